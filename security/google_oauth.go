package security

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// StateTTL bounds how long a consent round-trip may take.
const StateTTL = 15 * time.Minute

const defaultRevokeURL = "https://oauth2.googleapis.com/revoke"

var (
	ErrInvalidState = errors.New("invalid oauth state")
	ErrStateExpired = errors.New("oauth state expired")
)

// OAuthState is carried through the consent screen.
type OAuthState struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	Timestamp   int64  `json:"timestamp"`
}

// GoogleUser is the account behind a fresh grant.
type GoogleUser struct {
	ID    string
	Email string
}

// AuthURL builds the consent URL for a user connecting a workspace.
func (m *TokenManager) AuthURL(userID, workspaceID string) (string, error) {
	state, err := EncodeState(OAuthState{
		UserID:      userID,
		WorkspaceID: workspaceID,
		Timestamp:   m.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	return m.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// EncodeState serializes state as base64 JSON.
func EncodeState(s OAuthState) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeState parses and validates a state parameter.
func (m *TokenManager) DecodeState(raw string) (*OAuthState, error) {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		// Some browsers hand back the URL-safe alphabet.
		decoded, err = base64.URLEncoding.DecodeString(raw)
		if err != nil {
			return nil, ErrInvalidState
		}
	}
	var s OAuthState
	if err := json.Unmarshal(decoded, &s); err != nil {
		return nil, ErrInvalidState
	}
	if s.UserID == "" || s.WorkspaceID == "" || s.Timestamp == 0 {
		return nil, ErrInvalidState
	}
	if m.Now().Sub(time.UnixMilli(s.Timestamp)) > StateTTL {
		return nil, ErrStateExpired
	}
	return &s, nil
}

// Exchange trades an authorization code for tokens.
func (m *TokenManager) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := m.config.Exchange(m.clientContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

// UserInfo returns the Google account a token belongs to.
func (m *TokenManager) UserInfo(ctx context.Context, tok *oauth2.Token, opts ...option.ClientOption) (*GoogleUser, error) {
	httpClient := oauth2.NewClient(m.clientContext(ctx), oauth2.StaticTokenSource(tok))
	svc, err := oauth2api.NewService(ctx, append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create userinfo service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	return &GoogleUser{ID: info.Id, Email: info.Email}, nil
}

// Revoke invalidates a token at Google. revokeURL may be empty for the
// default endpoint.
func (m *TokenManager) Revoke(ctx context.Context, token, revokeURL string) error {
	if revokeURL == "" {
		revokeURL = defaultRevokeURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL,
		strings.NewReader(url.Values{"token": {token}}.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := m.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("revoke token: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
