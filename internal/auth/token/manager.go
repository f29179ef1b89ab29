package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/engramkeep/health-connector/internal/db/models"
	"github.com/engramkeep/health-connector/internal/logging"
	"github.com/engramkeep/health-connector/internal/observability"
	"github.com/engramkeep/health-connector/internal/providers/catalog"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// refreshMargin is how close to expiry a token may get before it is renewed.
	refreshMargin = 5 * time.Minute
	// proactiveWindow is the horizon scanned by the background refresh loop.
	proactiveWindow = 20 * time.Minute
	// defaultLifetime applies when a token response omits expires_in.
	defaultLifetime = time.Hour
)

var (
	ErrNotConnected     = errors.New("provider account not connected")
	ErrExpiredNoRefresh = errors.New("access token expired and no refresh token stored")
	ErrRefreshFailed    = errors.New("token refresh failed")
)

// IsCredentialError reports whether err means the user must reconnect.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrExpiredNoRefresh) || errors.Is(err, ErrRefreshFailed)
}

// Grant is the result of a successful authorization-code exchange.
type Grant struct {
	UserID         string
	ProfileID      string
	Provider       string
	AccessToken    string
	RefreshToken   string
	ExternalUserID string
	ExpiresIn      time.Duration
}

// Manager owns the credential lifecycle of provider accounts.
type Manager struct {
	db      *gorm.DB
	catalog *catalog.Catalog
	client  *http.Client
	log     *logging.Logger
	metrics *observability.Metrics
	group   singleflight.Group
	now     func() time.Time
}

// NewManager creates a token manager. client is used for every token
// endpoint call; a nil client falls back to http.DefaultClient.
func NewManager(db *gorm.DB, cat *catalog.Catalog, client *http.Client, log *logging.Logger, metrics *observability.Metrics) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Manager{
		db:      db,
		catalog: cat,
		client:  client,
		log:     log,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GetValidToken returns a usable access token for the user's provider link,
// refreshing it when it expires within five minutes.
func (m *Manager) GetValidToken(ctx context.Context, userID, provider string) (string, error) {
	account, err := m.Account(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	if account.Status != models.StatusActive {
		return "", fmt.Errorf("%w: %s account is %s", ErrNotConnected, provider, account.Status)
	}
	if account.ExpiresAt.After(m.now().Add(refreshMargin)) {
		return account.AccessToken, nil
	}

	key := userID + "|" + provider
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		// Shared by every waiter, so one caller's cancellation must not abort it.
		return m.refresh(context.WithoutCancel(ctx), userID, provider)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Account loads the link for (userID, provider).
func (m *Manager) Account(ctx context.Context, userID, provider string) (*models.ProviderAccount, error) {
	var account models.ProviderAccount
	err := m.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s for user %s", ErrNotConnected, provider, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return &account, nil
}

// FindByExternalID resolves the application account behind a provider's user id.
func (m *Manager) FindByExternalID(ctx context.Context, provider, externalUserID string) (*models.ProviderAccount, error) {
	if strings.TrimSpace(externalUserID) == "" {
		return nil, fmt.Errorf("%w: empty external user id", ErrNotConnected)
	}
	var account models.ProviderAccount
	err := m.db.WithContext(ctx).
		Where("provider = ? AND external_user_id = ?", provider, externalUserID).
		Order("updated_at DESC").
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s user %s", ErrNotConnected, provider, externalUserID)
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	return &account, nil
}

// Accounts lists every provider link of a user.
func (m *Manager) Accounts(ctx context.Context, userID string) ([]models.ProviderAccount, error) {
	var accounts []models.ProviderAccount
	if err := m.db.WithContext(ctx).Where("user_id = ?", userID).Order("provider").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// StoreTokens upserts the (user, provider) link with the freshest values.
func (m *Manager) StoreTokens(ctx context.Context, g Grant) (*models.ProviderAccount, error) {
	if g.UserID == "" || g.Provider == "" {
		return nil, errors.New("store tokens: user and provider are required")
	}
	now := m.now()
	account := models.ProviderAccount{
		ID:             uuid.NewString(),
		UserID:         g.UserID,
		Provider:       g.Provider,
		ProfileID:      g.ProfileID,
		ExternalUserID: g.ExternalUserID,
		AccessToken:    g.AccessToken,
		RefreshToken:   g.RefreshToken,
		ExpiresAt:      now.Add(g.ExpiresIn),
		Status:         models.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"profile_id", "external_user_id", "access_token", "refresh_token",
			"expires_at", "status", "updated_at",
		}),
	}).Create(&account).Error
	if err != nil {
		return nil, fmt.Errorf("store tokens: %w", err)
	}
	m.log.Info("provider account stored", "user_id", g.UserID, "provider", g.Provider)
	return m.Account(ctx, g.UserID, g.Provider)
}

// MarkSynced records the last successful sync instant.
func (m *Manager) MarkSynced(ctx context.Context, userID, provider string, at time.Time) error {
	return m.db.WithContext(ctx).Model(&models.ProviderAccount{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Update("last_sync_at", at.UTC()).Error
}

// StartRefreshLoop renews active tokens nearing expiry until ctx is done.
func (m *Manager) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshExpiring(ctx)
			}
		}
	}()
	m.log.Info("token refresh loop started", "interval", interval.String())
}

func (m *Manager) refreshExpiring(ctx context.Context) {
	var accounts []models.ProviderAccount
	threshold := m.now().Add(proactiveWindow)
	err := m.db.WithContext(ctx).
		Where("status = ? AND expires_at < ? AND refresh_token <> ''", models.StatusActive, threshold).
		Find(&accounts).Error
	if err != nil {
		m.log.Warn("refresh scan failed", "error", err)
		return
	}
	for _, acc := range accounts {
		if _, err := m.GetValidToken(ctx, acc.UserID, acc.Provider); err != nil {
			m.log.Warn("proactive refresh failed", "user_id", acc.UserID, "provider", acc.Provider, "error", err)
		}
	}
}

func (m *Manager) refresh(ctx context.Context, userID, provider string) (string, error) {
	account, err := m.Account(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	// Another caller may have refreshed while this one waited.
	if account.Status == models.StatusActive && account.ExpiresAt.After(m.now().Add(refreshMargin)) {
		return account.AccessToken, nil
	}
	if account.Status != models.StatusActive {
		return "", fmt.Errorf("%w: %s account is %s", ErrNotConnected, provider, account.Status)
	}

	if account.RefreshToken == "" {
		m.recordFailure(ctx, account, models.StatusTokenExpired, ErrExpiredNoRefresh.Error())
		return "", fmt.Errorf("%w: %s", ErrExpiredNoRefresh, provider)
	}

	info, ok := m.catalog.Get(provider)
	if !ok || info.TokenURL == "" {
		m.recordFailure(ctx, account, models.StatusError, "provider not configured for refresh")
		return "", fmt.Errorf("%w: provider %s has no token endpoint", ErrRefreshFailed, provider)
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, m.client)
	src := info.OAuthConfig("").TokenSource(exchangeCtx, &oauth2.Token{RefreshToken: account.RefreshToken})
	newToken, err := src.Token()
	if err != nil {
		m.recordFailure(ctx, account, models.StatusError, err.Error())
		m.log.Error("refresh token failed", "user_id", userID, "provider", provider, "error", err)
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	expiry := newToken.Expiry.UTC()
	if newToken.Expiry.IsZero() {
		expiry = m.now().Add(defaultLifetime)
	}
	updates := map[string]interface{}{
		"access_token": newToken.AccessToken,
		"expires_at":   expiry,
		"status":       models.StatusActive,
		"updated_at":   m.now(),
	}
	// Providers such as Fitbit rotate the refresh token on every exchange.
	if newToken.RefreshToken != "" && newToken.RefreshToken != account.RefreshToken {
		updates["refresh_token"] = newToken.RefreshToken
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ProviderAccount{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Create(&models.TokenRefreshLog{
			ID:              uuid.NewString(),
			UserID:          userID,
			Provider:        provider,
			ExpiresAtBefore: account.ExpiresAt,
			ExpiresAtAfter:  &expiry,
			Success:         true,
			CreatedAt:       m.now(),
		}).Error
	})
	if err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	m.metrics.TokenRefresh(provider, true)
	m.log.Info("token refreshed", "user_id", userID, "provider", provider, "expires_at", expiry.Format(time.RFC3339))
	return newToken.AccessToken, nil
}

func (m *Manager) recordFailure(ctx context.Context, account *models.ProviderAccount, status, reason string) {
	m.metrics.TokenRefresh(account.Provider, false)
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ProviderAccount{}).Where("id = ?", account.ID).
			Updates(map[string]interface{}{"status": status, "updated_at": m.now()}).Error; err != nil {
			return err
		}
		return tx.Create(&models.TokenRefreshLog{
			ID:              uuid.NewString(),
			UserID:          account.UserID,
			Provider:        account.Provider,
			ExpiresAtBefore: account.ExpiresAt,
			Success:         false,
			Error:           reason,
			CreatedAt:       m.now(),
		}).Error
	})
	if err != nil {
		m.log.Error("failed to record refresh failure", "user_id", account.UserID, "provider", account.Provider, "error", err)
	}
}
