package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/ordersync/config"
	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// Credentials authorise one ledger call for a tenant.
type Credentials struct {
	AccessToken string
	RealmId     string
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

type TokenRefresher interface {
	Refresh(ctx context.Context, tenantId string, refreshToken string) (TokenPair, error)
}

// TokenSource hands out valid credentials, refreshing them when needed.
type TokenSource interface {
	Credentials(ctx context.Context, tenantId string) (Credentials, error)
}

// OAuth2Refresher exchanges refresh tokens at the ledger's token endpoint.
type OAuth2Refresher struct {
	Config *oauth2.Config
}

// NewOAuth2RefresherFromEnv reads LEDGER_CLIENT_ID, LEDGER_CLIENT_SECRET and LEDGER_TOKEN_URL.
func NewOAuth2RefresherFromEnv() *OAuth2Refresher {
	return &OAuth2Refresher{Config: &oauth2.Config{
		ClientID:     os.Getenv("LEDGER_CLIENT_ID"),
		ClientSecret: os.Getenv("LEDGER_CLIENT_SECRET"),
		Endpoint:     oauth2.Endpoint{TokenURL: os.Getenv("LEDGER_TOKEN_URL")},
	}}
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, tenantId string, refreshToken string) (TokenPair, error) {
	if r.Config == nil || r.Config.Endpoint.TokenURL == "" {
		return TokenPair{}, fmt.Errorf("%w: token url not configured", ErrReconnectRequired)
	}
	// an already expired token forces the source to use the refresh token
	expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Now().Add(-time.Hour)}
	tok, err := r.Config.TokenSource(ctx, expired).Token()
	if err != nil {
		return TokenPair{}, err
	}
	pair := TokenPair{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

// TokenManager keeps each tenant's access token fresh. Refreshes are serialised within the
// process by a mutex and across processes by a redis lock when one is configured.
type TokenManager struct {
	DB        *gorm.DB
	Refresher TokenRefresher
	Locker    *redislock.Client
	Skew      time.Duration
	Now       func() time.Time
	Logger    *logrus.Logger

	mu sync.Mutex
}

func (m *TokenManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *TokenManager) Credentials(ctx context.Context, tenantId string) (Credentials, error) {
	conn, err := LoadConnection(ctx, m.DB, tenantId)
	if err != nil {
		return Credentials{}, &TransientSyncError{Err: err}
	}
	if conn == nil || conn.Status != models.ConnectionStatusConnected {
		return Credentials{}, &AuthExpiredError{Err: ErrReconnectRequired}
	}
	if !conn.NeedsRefresh(m.now(), m.Skew) {
		return Credentials{AccessToken: conn.AccessToken, RealmId: conn.RealmId}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	release, err := utils.TenantLock(ctx, m.Locker, tenantId, "ledger_token_refresh", 30*time.Second)
	if err != nil {
		return Credentials{}, &TransientSyncError{Err: err}
	}
	defer release()

	// another worker may have refreshed while we waited
	conn, err = LoadConnection(ctx, m.DB, tenantId)
	if err != nil {
		return Credentials{}, &TransientSyncError{Err: err}
	}
	if conn == nil || conn.Status != models.ConnectionStatusConnected {
		return Credentials{}, &AuthExpiredError{Err: ErrReconnectRequired}
	}
	if !conn.NeedsRefresh(m.now(), m.Skew) {
		return Credentials{AccessToken: conn.AccessToken, RealmId: conn.RealmId}, nil
	}
	if conn.RefreshToken == "" || m.Refresher == nil {
		_ = MarkReconnectRequired(ctx, m.DB, tenantId, "no refresh token")
		return Credentials{}, &AuthExpiredError{Err: ErrReconnectRequired}
	}

	pair, err := m.Refresher.Refresh(ctx, tenantId, conn.RefreshToken)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) || errors.Is(err, ErrReconnectRequired) {
			config.LogError(m.Logger, "ledgersync", "TokenManager.Credentials", "refresh rejected", tenantId, err)
			if markErr := MarkReconnectRequired(ctx, m.DB, tenantId, err.Error()); markErr != nil {
				config.LogError(m.Logger, "ledgersync", "TokenManager.Credentials", "mark reconnect", tenantId, markErr)
			}
			return Credentials{}, &AuthExpiredError{Err: err}
		}
		return Credentials{}, &TransientSyncError{Err: fmt.Errorf("refresh token: %w", err)}
	}

	updates := map[string]interface{}{
		"access_token":       pair.AccessToken,
		"last_refresh_error": nil,
	}
	if pair.RefreshToken != "" {
		updates["refresh_token"] = pair.RefreshToken
	}
	if !pair.Expiry.IsZero() {
		updates["token_expiry"] = pair.Expiry
	}
	if err := m.DB.WithContext(ctx).Model(&models.LedgerConnection{}).
		Where("tenant_id = ?", tenantId).
		Updates(updates).Error; err != nil {
		return Credentials{}, &TransientSyncError{Err: fmt.Errorf("store refreshed token: %w", err)}
	}
	return Credentials{AccessToken: pair.AccessToken, RealmId: conn.RealmId}, nil
}

// LoadConnection returns (nil, nil) when the tenant never connected.
func LoadConnection(ctx context.Context, db *gorm.DB, tenantId string) (*models.LedgerConnection, error) {
	var conn models.LedgerConnection
	err := db.WithContext(ctx).Where("tenant_id = ?", tenantId).Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

// MarkReconnectRequired halts outbound sync for the tenant until it reconnects.
func MarkReconnectRequired(ctx context.Context, db *gorm.DB, tenantId string, reason string) error {
	return db.WithContext(ctx).Model(&models.LedgerConnection{}).
		Where("tenant_id = ? AND status = ?", tenantId, models.ConnectionStatusConnected).
		Updates(map[string]interface{}{
			"status":             models.ConnectionStatusReconnectRequired,
			"last_refresh_error": reason,
		}).Error
}

// SaveConnection stores a freshly authorised token pair and (re)activates sync for the tenant.
func SaveConnection(ctx context.Context, db *gorm.DB, tenantId string, realmId string, pair TokenPair) (*models.LedgerConnection, error) {
	if pair.AccessToken == "" {
		return nil, fmt.Errorf("%w: access token is required", models.ErrInvalidInput)
	}
	var expiry *time.Time
	if !pair.Expiry.IsZero() {
		e := pair.Expiry
		expiry = &e
	}
	var result *models.LedgerConnection
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conn, err := LoadConnection(ctx, tx, tenantId)
		if err != nil {
			return err
		}
		if conn == nil {
			conn = &models.LedgerConnection{TenantId: tenantId, Provider: models.LedgerProviderDefault}
		}
		conn.Status = models.ConnectionStatusConnected
		conn.RealmId = realmId
		conn.AccessToken = pair.AccessToken
		conn.RefreshToken = pair.RefreshToken
		conn.TokenExpiry = expiry
		conn.LastRefreshError = nil
		if err := tx.Save(conn).Error; err != nil {
			return err
		}
		result = conn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func Disconnect(ctx context.Context, db *gorm.DB, tenantId string) error {
	return db.WithContext(ctx).Model(&models.LedgerConnection{}).
		Where("tenant_id = ?", tenantId).
		Updates(map[string]interface{}{
			"status":        models.ConnectionStatusDisconnected,
			"access_token":  "",
			"refresh_token": "",
		}).Error
}
