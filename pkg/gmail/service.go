package gmail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"mailsync-backend/pkg/provider"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Cursor formats:
//
//	""                      full sync from the beginning
//	list:<historyId>:<tok>  full sync in progress, <tok> is the list page token
//	hist:<historyId>        incremental sync from <historyId>
//	hist:<historyId>:<tok>  incremental sync with history pagination in flight
//
// The history id captured at full-sync start rides along in the list cursor so
// changes that land during the full sync are replayed afterwards.
const (
	listCursorPrefix = "list:"
	histCursorPrefix = "hist:"
)

type Service struct {
	clientID     string
	clientSecret string
}

func NewService(clientID, clientSecret string) *Service {
	return &Service{
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

type notifyTokenSource struct {
	src      oauth2.TokenSource
	current  *oauth2.Token
	callback provider.TokenUpdateFunc
}

func (s *notifyTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if s.callback != nil && s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.callback(t); err != nil {
			log.Printf("[Gmail] Failed to persist refreshed token: %v", err)
		}
	}
	return t, nil
}

func (s *Service) gmailService(ctx context.Context, creds provider.Credentials) (*gmail.Service, error) {
	token := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    "Bearer",
	}
	if creds.RefreshToken != "" {
		token.Expiry = time.Now()
	}

	config := &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		Endpoint:     google.Endpoint,
	}

	wrappedSource := &notifyTokenSource{
		src:      config.TokenSource(ctx, token),
		current:  token,
		callback: creds.OnTokenRefresh,
	}
	client := oauth2.NewClient(ctx, wrappedSource)

	srv, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, provider.NewTransientError("unable to create Gmail service", err)
	}
	return srv, nil
}

// FetchDelta returns the next page of remote changes after cursor.
func (s *Service) FetchDelta(ctx context.Context, creds provider.Credentials, cursor string, pageSize int) (*provider.Page, error) {
	srv, err := s.gmailService(ctx, creds)
	if err != nil {
		return nil, err
	}

	switch {
	case cursor == "":
		profile, err := srv.Users.GetProfile("me").Do()
		if err != nil {
			return nil, mapError(err)
		}
		return s.fetchListPage(srv, strconv.FormatUint(profile.HistoryId, 10), "", pageSize, int64(profile.MessagesTotal))
	case strings.HasPrefix(cursor, listCursorPrefix):
		historyID, pageToken, ok := splitCursor(cursor, listCursorPrefix)
		if !ok {
			return nil, provider.NewAuthError(fmt.Sprintf("malformed cursor %q", cursor), nil)
		}
		return s.fetchListPage(srv, historyID, pageToken, pageSize, 0)
	case strings.HasPrefix(cursor, histCursorPrefix):
		historyID, pageToken, ok := splitCursor(cursor, histCursorPrefix)
		if !ok {
			return nil, provider.NewAuthError(fmt.Sprintf("malformed cursor %q", cursor), nil)
		}
		return s.fetchHistoryPage(srv, historyID, pageToken, pageSize)
	default:
		return nil, provider.NewAuthError(fmt.Sprintf("unrecognized cursor %q", cursor), nil)
	}
}

// splitCursor parses "<prefix><historyId>" or "<prefix><historyId>:<token>".
func splitCursor(cursor, prefix string) (historyID, pageToken string, ok bool) {
	rest := strings.TrimPrefix(cursor, prefix)
	if rest == "" {
		return "", "", false
	}
	parts := strings.SplitN(rest, ":", 2)
	historyID = parts[0]
	if len(parts) == 2 {
		pageToken = parts[1]
	}
	return historyID, pageToken, true
}

func (s *Service) fetchListPage(srv *gmail.Service, historyID, pageToken string, pageSize int, totalEstimate int64) (*provider.Page, error) {
	call := srv.Users.Messages.List("me").MaxResults(int64(pageSize))
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, mapError(err)
	}

	mutations, err := s.fetchMessages(srv, resp.Messages)
	if err != nil {
		return nil, err
	}

	if totalEstimate == 0 {
		totalEstimate = resp.ResultSizeEstimate
	}

	page := &provider.Page{
		Mutations:     mutations,
		TotalEstimate: totalEstimate,
	}
	if resp.NextPageToken != "" {
		page.NextCursor = listCursorPrefix + historyID + ":" + resp.NextPageToken
		page.HasMore = true
	} else {
		// Full sync done; replay anything that changed while it ran.
		page.NextCursor = histCursorPrefix + historyID
		page.HasMore = true
	}
	return page, nil
}

func (s *Service) fetchHistoryPage(srv *gmail.Service, historyID, pageToken string, pageSize int) (*provider.Page, error) {
	startID, err := strconv.ParseUint(historyID, 10, 64)
	if err != nil {
		return nil, provider.NewAuthError(fmt.Sprintf("malformed history id %q", historyID), err)
	}

	call := srv.Users.History.List("me").StartHistoryId(startID).MaxResults(int64(pageSize))
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		// Gmail expires old history ids with a 404; the only way forward is a
		// fresh full sync.
		if isNotFound(err) {
			log.Printf("[Gmail] History id %s expired, restarting full sync", historyID)
			return &provider.Page{NextCursor: "", HasMore: true}, nil
		}
		return nil, mapError(err)
	}

	var mutations []provider.Mutation
	for _, h := range resp.History {
		converted, err := s.convertHistory(srv, h)
		if err != nil {
			return nil, err
		}
		mutations = append(mutations, converted...)
	}

	page := &provider.Page{Mutations: mutations}
	switch {
	case resp.NextPageToken != "":
		page.NextCursor = histCursorPrefix + historyID + ":" + resp.NextPageToken
		page.HasMore = true
	case resp.HistoryId != 0:
		page.NextCursor = histCursorPrefix + strconv.FormatUint(resp.HistoryId, 10)
	default:
		page.NextCursor = histCursorPrefix + historyID
	}
	return page, nil
}

// convertHistory expands one history record into mutations. A 404 on a
// message Get means it was deleted before we got to it and the delete record
// follows; any other failure must fail the page so the cursor does not
// advance past the dropped message.
func (s *Service) convertHistory(srv *gmail.Service, h *gmail.History) ([]provider.Mutation, error) {
	var mutations []provider.Mutation

	for _, added := range h.MessagesAdded {
		msg, err := srv.Users.Messages.Get("me", added.Message.Id).Format("full").Do()
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, mapError(err)
		}
		mutations = append(mutations, provider.Mutation{
			Type:              provider.MutationMessageCreated,
			ProviderMessageID: msg.Id,
			Message:           convertMessage(msg),
		})
	}

	touched := make(map[string]bool)
	for _, la := range h.LabelsAdded {
		touched[la.Message.Id] = true
	}
	for _, lr := range h.LabelsRemoved {
		touched[lr.Message.Id] = true
	}
	for id := range touched {
		msg, err := srv.Users.Messages.Get("me", id).Format("full").Do()
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, mapError(err)
		}
		mutations = append(mutations, provider.Mutation{
			Type:              provider.MutationMessageUpdated,
			ProviderMessageID: msg.Id,
			Message:           convertMessage(msg),
		})
	}

	for _, deleted := range h.MessagesDeleted {
		mutations = append(mutations, provider.Mutation{
			Type:              provider.MutationMessageDeleted,
			ProviderMessageID: deleted.Message.Id,
		})
	}
	return mutations, nil
}

// fetchMessages resolves message ids to full records in parallel.
func (s *Service) fetchMessages(srv *gmail.Service, refs []*gmail.Message) ([]provider.Mutation, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	type result struct {
		mutation provider.Mutation
		err      error
	}
	results := make(chan result, len(refs))
	semaphore := make(chan struct{}, 10)

	for _, ref := range refs {
		go func(msgID string) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			msg, err := srv.Users.Messages.Get("me", msgID).Format("full").Do()
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{mutation: provider.Mutation{
				Type:              provider.MutationMessageCreated,
				ProviderMessageID: msg.Id,
				Message:           convertMessage(msg),
			}}
		}(ref.Id)
	}

	var mutations []provider.Mutation
	var firstErr error
	for i := 0; i < len(refs); i++ {
		r := <-results
		if r.err != nil {
			// A 404 means the message was deleted between list and fetch and
			// can be skipped. Anything else must fail the page: advancing the
			// cursor past a dropped id would lose the message for good.
			if isNotFound(r.err) {
				continue
			}
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		mutations = append(mutations, r.mutation)
	}
	if firstErr != nil {
		return nil, mapError(firstErr)
	}
	return mutations, nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

// Watch registers the mailbox on the Pub/Sub topic and returns the channel's
// expiry time.
func (s *Service) Watch(ctx context.Context, creds provider.Credentials, topic string) (time.Time, error) {
	srv, err := s.gmailService(ctx, creds)
	if err != nil {
		return time.Time{}, err
	}

	req := &gmail.WatchRequest{
		TopicName:         topic,
		LabelIds:          []string{"INBOX"},
		LabelFilterAction: "include",
	}
	resp, err := srv.Users.Watch("me", req).Do()
	if err != nil {
		return time.Time{}, mapError(err)
	}

	expiry := time.UnixMilli(resp.Expiration)
	log.Printf("[Gmail] Watch registered, expires %s (historyId %d)", expiry.Format(time.RFC3339), resp.HistoryId)
	return expiry, nil
}

func convertMessage(msg *gmail.Message) *provider.MessageData {
	data := &provider.MessageData{
		ProviderMessageID: msg.Id,
		Snippet:           msg.Snippet,
		FolderID:          getMailboxID(msg.LabelIds),
		IsRead:            !hasLabel(msg.LabelIds, "UNREAD"),
		IsStarred:         hasLabel(msg.LabelIds, "STARRED"),
		ReceivedAt:        time.UnixMilli(msg.InternalDate),
	}
	if msg.Payload != nil {
		data.Subject = getHeader(msg.Payload.Headers, "Subject")
		data.To = getHeader(msg.Payload.Headers, "To")
		from := getHeader(msg.Payload.Headers, "From")
		data.From, data.FromName = parseAddress(from)
		data.AttachmentCount = countAttachments(msg.Payload)
	}
	return data
}

func getHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func parseAddress(raw string) (address, name string) {
	if raw == "" {
		return "", ""
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return raw, ""
	}
	return addr.Address, addr.Name
}

func countAttachments(payload *gmail.MessagePart) int {
	count := 0
	var walk func(parts []*gmail.MessagePart)
	walk = func(parts []*gmail.MessagePart) {
		for _, part := range parts {
			if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
				count++
			}
			if len(part.Parts) > 0 {
				walk(part.Parts)
			}
		}
	}
	walk(payload.Parts)
	return count
}

func hasLabel(labels []string, labelID string) bool {
	for _, label := range labels {
		if label == labelID {
			return true
		}
	}
	return false
}

func getMailboxID(labels []string) string {
	priority := []string{"INBOX", "SENT", "DRAFT", "SPAM", "TRASH"}
	for _, p := range priority {
		if hasLabel(labels, p) {
			return p
		}
	}
	if len(labels) > 0 {
		return labels[0]
	}
	return "INBOX"
}

// mapError classifies a Gmail API failure for the sync engine's retry policy.
func mapError(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return provider.NewTransientError("gmail request failed", err)
	}

	switch apiErr.Code {
	case 401:
		return provider.NewAuthError("gmail credentials rejected", err)
	case 403:
		for _, e := range apiErr.Errors {
			if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" || e.Reason == "dailyLimitExceeded" {
				return provider.NewRateLimitedError("gmail quota exceeded", err)
			}
		}
		return provider.NewAuthError("gmail access forbidden", err)
	case 429:
		return provider.NewRateLimitedError("gmail rate limited", err)
	default:
		return provider.NewTransientError(fmt.Sprintf("gmail request failed with status %d", apiErr.Code), err)
	}
}
