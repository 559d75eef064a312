package usecase

import (
	"context"
	"fmt"
	"log"
	"time"

	"mailsync-backend/internal/account/domain"
	"mailsync-backend/internal/account/repository"
	"mailsync-backend/pkg/config"
	"mailsync-backend/pkg/crypto"
	"mailsync-backend/pkg/provider"
)

// ConnectRequest carries everything needed to register a mailbox.
type ConnectRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Provider string `json:"provider" binding:"required,oneof=google imap"`
	GrantID  string `json:"grant_id"`

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	IMAPServer   string `json:"imap_server"`
	IMAPPort     int    `json:"imap_port"`
	IMAPPassword string `json:"imap_password"`
}

// AccountUsecase defines the interface for account management operations
type AccountUsecase interface {
	Connect(ctx context.Context, tenantID string, req ConnectRequest) (*domain.Account, error)
	GetAccount(tenantID, accountID string) (*domain.Account, error)
	ListAccounts(tenantID string) ([]*domain.Account, error)
	RegisterDevice(tenantID, accountID, token, platform string) error
}

type accountUsecase struct {
	accounts  repository.AccountRepository
	devices   repository.DeviceTokenRepository
	providers map[string]provider.MailProvider
	cfg       *config.Config
}

func NewAccountUsecase(
	accounts repository.AccountRepository,
	devices repository.DeviceTokenRepository,
	providers map[string]provider.MailProvider,
	cfg *config.Config,
) AccountUsecase {
	return &accountUsecase{
		accounts:  accounts,
		devices:   devices,
		providers: providers,
		cfg:       cfg,
	}
}

// Connect registers a mailbox for the tenant. IMAP passwords are encrypted
// before they touch the database; Gmail accounts get a push watch registered
// so webhook delivery starts immediately.
func (u *accountUsecase) Connect(ctx context.Context, tenantID string, req ConnectRequest) (*domain.Account, error) {
	existing, err := u.accounts.FindByEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.TenantID == tenantID {
		return nil, fmt.Errorf("account %s is already connected", req.Email)
	}

	account := &domain.Account{
		TenantID:     tenantID,
		Email:        req.Email,
		Provider:     req.Provider,
		GrantID:      req.GrantID,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		SyncStatus:   domain.SyncStatusIdle,
		AutoSync:     true,
	}

	switch req.Provider {
	case "imap":
		if req.IMAPServer == "" || req.IMAPPassword == "" {
			return nil, fmt.Errorf("imap accounts require server and password")
		}
		encrypted, err := crypto.Encrypt(req.IMAPPassword, u.cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt password: %w", err)
		}
		account.IMAPServer = req.IMAPServer
		account.IMAPPort = req.IMAPPort
		if account.IMAPPort == 0 {
			account.IMAPPort = 993
		}
		account.IMAPPassword = encrypted
	case "google":
		if req.AccessToken == "" && req.RefreshToken == "" {
			return nil, fmt.Errorf("google accounts require oauth tokens")
		}
	}

	if err := u.accounts.Create(account); err != nil {
		return nil, err
	}

	if req.Provider == "google" && u.cfg.GooglePubSubTopic != "" {
		u.registerWatch(ctx, account)
	}

	log.Printf("[Account] Connected %s account %s for tenant %s", account.Provider, account.ID, tenantID)
	return account, nil
}

// registerWatch is best-effort: a failed watch only delays change delivery
// until the renewal sweep retries it.
func (u *accountUsecase) registerWatch(ctx context.Context, account *domain.Account) {
	p, ok := u.providers[account.Provider]
	if !ok {
		return
	}
	wp, ok := p.(provider.WatchProvider)
	if !ok {
		return
	}
	creds := provider.Credentials{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
	}
	expiry, err := wp.Watch(ctx, creds, u.cfg.GooglePubSubTopic)
	if err != nil {
		log.Printf("[Account] Failed to register watch for account %s: %v", account.ID, err)
		// Force the renewal sweep to retry soon.
		soon := time.Now().Add(time.Hour)
		account.WatchExpiry = &soon
	} else {
		account.WatchExpiry = &expiry
	}
	if err := u.accounts.Update(account); err != nil {
		log.Printf("[Account] Failed to persist watch expiry for account %s: %v", account.ID, err)
	}
}

func (u *accountUsecase) GetAccount(tenantID, accountID string) (*domain.Account, error) {
	account, err := u.accounts.FindByID(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.TenantID != tenantID {
		return nil, nil
	}
	return account, nil
}

func (u *accountUsecase) ListAccounts(tenantID string) ([]*domain.Account, error) {
	return u.accounts.FindByTenantID(tenantID)
}

func (u *accountUsecase) RegisterDevice(tenantID, accountID, token, platform string) error {
	account, err := u.accounts.FindByID(accountID)
	if err != nil {
		return err
	}
	if account == nil || account.TenantID != tenantID {
		return fmt.Errorf("account not found")
	}
	return u.devices.Register(accountID, token, platform)
}
