package imapsync

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"mailsync-backend/pkg/provider"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
)

// Cursor format is "<uidvalidity>:<nextuid>". A UIDVALIDITY change on the
// server invalidates every UID we have seen, so the cursor resets and the
// mailbox re-syncs from the start; the upsert path makes the replay harmless.
const syncFolder = "INBOX"

type Service struct {
	dialTimeout time.Duration
}

func NewService() *Service {
	return &Service{dialTimeout: 30 * time.Second}
}

// FetchDelta returns the next page of messages after cursor. Plain IMAP has
// no change feed; new mail is detected through UIDNEXT and re-delivered
// messages converge through the upsert path.
func (s *Service) FetchDelta(ctx context.Context, creds provider.Credentials, cursor string, pageSize int) (*provider.Page, error) {
	c, err := s.connect(creds)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	c.Timeout = s.dialTimeout
	mbox, err := c.Select(syncFolder, true)
	c.Timeout = 0
	if err != nil {
		return nil, provider.NewTransientError("failed to select folder", err)
	}

	nextUID := uint32(1)
	if cursor != "" {
		validity, next, err := parseCursor(cursor)
		if err != nil {
			return nil, provider.NewAuthError(fmt.Sprintf("malformed cursor %q", cursor), err)
		}
		if validity != mbox.UidValidity {
			log.Printf("[IMAP] UIDVALIDITY changed (%d -> %d), restarting full sync", validity, mbox.UidValidity)
		} else {
			nextUID = next
		}
	}

	if nextUID >= mbox.UidNext {
		return &provider.Page{
			NextCursor:    formatCursor(mbox.UidValidity, mbox.UidNext),
			TotalEstimate: int64(mbox.Messages),
		}, nil
	}

	lastUID := nextUID + uint32(pageSize) - 1
	if lastUID >= mbox.UidNext {
		lastUID = mbox.UidNext - 1
	}

	mutations, err := s.fetchRange(c, nextUID, lastUID)
	if err != nil {
		return nil, err
	}

	return &provider.Page{
		Mutations:     mutations,
		NextCursor:    formatCursor(mbox.UidValidity, lastUID+1),
		HasMore:       lastUID+1 < mbox.UidNext,
		TotalEstimate: int64(mbox.Messages),
	}, nil
}

func (s *Service) connect(creds provider.Credentials) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", creds.IMAPServer, creds.IMAPPort)
	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return nil, provider.NewTransientError(fmt.Sprintf("failed to dial %s", addr), err)
	}

	c.Timeout = s.dialTimeout
	if err := c.Login(creds.IMAPUsername, creds.IMAPPassword); err != nil {
		c.Logout()
		return nil, provider.NewAuthError("imap login rejected", err)
	}
	c.Timeout = 0
	return c, nil
}

func (s *Service) fetchRange(c *client.Client, fromUID, toUID uint32) ([]provider.Mutation, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(fromUID, toUID)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	c.Timeout = 60 * time.Second
	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	var mutations []provider.Mutation
	for msg := range messages {
		data := convertMessage(msg, section)
		if data == nil {
			continue
		}
		mutations = append(mutations, provider.Mutation{
			Type:              provider.MutationMessageCreated,
			ProviderMessageID: data.ProviderMessageID,
			Message:           data,
		})
	}
	c.Timeout = 0

	if err := <-done; err != nil {
		return nil, provider.NewTransientError("uid fetch failed", err)
	}
	return mutations, nil
}

func convertMessage(msg *imap.Message, section *imap.BodySectionName) *provider.MessageData {
	if msg.Envelope == nil {
		return nil
	}

	data := &provider.MessageData{
		ProviderMessageID: fmt.Sprintf("%d", msg.Uid),
		FolderID:          syncFolder,
		Subject:           msg.Envelope.Subject,
		ReceivedAt:        msg.Envelope.Date,
		IsRead:            hasFlag(msg.Flags, imap.SeenFlag),
		IsStarred:         hasFlag(msg.Flags, imap.FlaggedFlag),
	}
	if msg.Envelope.MessageId != "" {
		data.ProviderMessageID = msg.Envelope.MessageId
	}
	if len(msg.Envelope.From) > 0 {
		from := msg.Envelope.From[0]
		data.From = from.Address()
		data.FromName = from.PersonalName
	}
	var to []string
	for _, addr := range msg.Envelope.To {
		to = append(to, addr.Address())
	}
	data.To = strings.Join(to, ", ")

	if body := msg.GetBody(section); body != nil {
		data.Snippet, data.AttachmentCount = parseBody(body)
	}
	return data
}

// parseBody extracts a plain-text snippet and counts attachments.
func parseBody(body io.Reader) (snippet string, attachments int) {
	mr, err := mail.CreateReader(body)
	if err != nil {
		return "", 0
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if snippet == "" && contentType == "text/plain" {
				buf := make([]byte, 200)
				n, _ := io.ReadFull(part.Body, buf)
				snippet = strings.TrimSpace(string(buf[:n]))
			}
		case *mail.AttachmentHeader:
			attachments++
		}
	}
	return snippet, attachments
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

func parseCursor(cursor string) (validity, next uint32, err error) {
	var v, n uint32
	if _, err := fmt.Sscanf(cursor, "%d:%d", &v, &n); err != nil {
		return 0, 0, err
	}
	if n == 0 {
		n = 1
	}
	return v, n, nil
}

func formatCursor(validity, next uint32) string {
	return fmt.Sprintf("%d:%d", validity, next)
}
