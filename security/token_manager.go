package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"calsync-cloud/store"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// RefreshBuffer is how long before expiry a token is considered stale.
const RefreshBuffer = 5 * time.Minute

// Calendar scopes requested at consent time.
var CalendarScopes = []string{
	calendar.CalendarScope,
	calendar.CalendarEventsScope,
	"https://www.googleapis.com/auth/userinfo.email",
}

// ConnectionStore is the persistence the token manager needs.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (*store.Connection, error)
	UpdateConnectionToken(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error
	SetConnectionError(ctx context.Context, id, message string, active bool) error
}

// OAuthConfig holds the Google client credentials.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// Endpoint overrides google.Endpoint; tests point it at a local server.
	Endpoint *oauth2.Endpoint
}

// TokenManager keeps each connection's access token valid and builds
// authenticated Google clients from it.
type TokenManager struct {
	store  ConnectionStore
	config *oauth2.Config
	logger *slog.Logger

	// Now is the clock used for expiry checks.
	Now func() time.Time
	// HTTPClient is used for token endpoint calls and as the base transport for
	// API clients. nil means http.DefaultClient.
	HTTPClient *http.Client
	// CalendarOptions are appended when building calendar services.
	CalendarOptions []option.ClientOption
}

// NewTokenManager creates a token manager for the given credentials.
func NewTokenManager(st ConnectionStore, cfg OAuthConfig, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = CalendarScopes
	}
	endpoint := google.Endpoint
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}
	return &TokenManager{
		store: st,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		logger: logger.With("component", "token_manager"),
		Now:    time.Now,
	}
}

// OAuth2Config exposes the underlying oauth2 configuration.
func (m *TokenManager) OAuth2Config() *oauth2.Config {
	return m.config
}

// NeedsRefresh reports whether the connection's token expires within the
// refresh buffer.
func (m *TokenManager) NeedsRefresh(c *store.Connection) bool {
	return m.Now().After(c.TokenExpiresAt.Add(-RefreshBuffer))
}

// ExpiresSoon is NeedsRefresh under the name the status endpoint reports.
func (m *TokenManager) ExpiresSoon(c *store.Connection) bool {
	return m.NeedsRefresh(c)
}

// EnsureValidToken returns the connection with an access token that is valid
// for at least the refresh buffer, refreshing it first when needed.
func (m *TokenManager) EnsureValidToken(ctx context.Context, connectionID string) (*store.Connection, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection %s: %w", connectionID, err)
	}
	if !m.NeedsRefresh(conn) {
		return conn, nil
	}
	m.logger.Info("token near expiry, refreshing", "connection_id", conn.ID, "expires_at", conn.TokenExpiresAt)
	return m.Refresh(ctx, conn)
}

// Refresh exchanges the stored refresh token for a new access token and
// persists it. On failure the error is written into sync_error and returned.
func (m *TokenManager) Refresh(ctx context.Context, conn *store.Connection) (*store.Connection, error) {
	tok, err := m.exchangeRefresh(ctx, conn)
	if err != nil {
		msg := fmt.Sprintf("token refresh failed: %v", err)
		if storeErr := m.store.SetConnectionError(ctx, conn.ID, msg, conn.IsActive); storeErr != nil {
			m.logger.Error("record refresh failure", "connection_id", conn.ID, "error", storeErr)
		}
		return nil, fmt.Errorf("refresh token for connection %s: %w", conn.ID, err)
	}

	refresh := ""
	if tok.RefreshToken != "" && tok.RefreshToken != conn.RefreshToken {
		refresh = tok.RefreshToken
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = m.Now().Add(time.Hour)
	}
	if err := m.store.UpdateConnectionToken(ctx, conn.ID, tok.AccessToken, refresh, expiry); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}

	updated := *conn
	updated.AccessToken = tok.AccessToken
	if refresh != "" {
		updated.RefreshToken = refresh
	}
	updated.TokenExpiresAt = expiry
	updated.SyncError = nil
	m.logger.Info("refreshed token", "connection_id", conn.ID, "expires_at", expiry)
	return &updated, nil
}

func (m *TokenManager) exchangeRefresh(ctx context.Context, conn *store.Connection) (*oauth2.Token, error) {
	if conn.RefreshToken == "" {
		return nil, errors.New("no refresh token stored")
	}
	// Present the current token as already expired so the source always
	// hits the token endpoint.
	current := &oauth2.Token{
		AccessToken:  conn.AccessToken,
		RefreshToken: conn.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       m.Now().Add(-time.Minute),
	}
	return m.config.TokenSource(m.clientContext(ctx), current).Token()
}

// APIRequest runs fn with a valid connection. If fn fails with 401 the token
// is refreshed unconditionally and fn is retried exactly once.
func (m *TokenManager) APIRequest(ctx context.Context, connectionID string, fn func(ctx context.Context, conn *store.Connection) error) error {
	conn, err := m.EnsureValidToken(ctx, connectionID)
	if err != nil {
		return err
	}
	err = fn(ctx, conn)
	if !IsUnauthorized(err) {
		return err
	}

	m.logger.Warn("provider rejected token, forcing refresh", "connection_id", connectionID)
	conn, err = m.Refresh(ctx, conn)
	if err != nil {
		return err
	}
	return fn(ctx, conn)
}

// CalendarService builds a Calendar client bound to the connection's current
// access token. The token is used as-is and never refreshed behind the
// manager's back.
func (m *TokenManager) CalendarService(ctx context.Context, conn *store.Connection) (*calendar.Service, error) {
	httpClient := oauth2.NewClient(m.clientContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: conn.AccessToken,
		TokenType:   "Bearer",
		Expiry:      conn.TokenExpiresAt,
	}))
	opts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, m.CalendarOptions...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}

// WithCalendar runs fn against a Calendar service for the connection, with the
// same refresh-and-retry-once behaviour as APIRequest.
func (m *TokenManager) WithCalendar(ctx context.Context, connectionID string, fn func(svc *calendar.Service) error) error {
	return m.APIRequest(ctx, connectionID, func(ctx context.Context, conn *store.Connection) error {
		svc, err := m.CalendarService(ctx, conn)
		if err != nil {
			return err
		}
		return fn(svc)
	})
}

func (m *TokenManager) clientContext(ctx context.Context) context.Context {
	if m.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.HTTPClient)
}

// IsUnauthorized reports whether err is a 401 from a Google API.
func IsUnauthorized(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized
}
