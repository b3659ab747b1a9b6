// Package client is a Go client for the auth API. It holds the current
// access/refresh token pair, attaches the access token to outbound calls and
// transparently rotates the pair when it expires. Concurrent calls that hit
// an expired access token share a single refresh-tokens request.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrSessionExpired is returned when the refresh token is absent or rejected.
// The client clears its stored credentials before returning it; the caller
// must log in again.
var ErrSessionExpired = errors.New("session expired, please log in again")

// expirySkew is subtracted from the access token's expiry so a token about
// to lapse mid-flight is rotated up front instead of bouncing off a 401.
const expirySkew = 10 * time.Second

type TokenDetail struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

type TokenPair struct {
	Access  TokenDetail `json:"access"`
	Refresh TokenDetail `json:"refresh"`
}

type User struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	Name             string `json:"name"`
	EmailVerified    bool   `json:"email_verified"`
	TwoFactorEnabled bool   `json:"two_factor_enabled"`
}

type authResponse struct {
	User    *User      `json:"user"`
	Tokens  *TokenPair `json:"tokens"`
	Message string     `json:"message"`
	Error   string     `json:"error"`
}

// Client talks to the auth API.
type Client struct {
	baseURL string
	httpc   *http.Client

	mu    sync.RWMutex
	pair  *TokenPair
	group singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpc = hc }
}

// New creates a client for the API at baseURL (e.g. "http://localhost:5000/v1").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tokens returns a copy of the stored pair, or nil when logged out.
func (c *Client) Tokens() *TokenPair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pair == nil {
		return nil
	}
	pair := *c.pair
	return &pair
}

// SetTokens installs a pair obtained elsewhere (e.g. restored from disk).
func (c *Client) SetTokens(pair TokenPair) {
	c.mu.Lock()
	c.pair = &pair
	c.mu.Unlock()
}

func (c *Client) clearTokens() {
	c.mu.Lock()
	c.pair = nil
	c.mu.Unlock()
}

// Register creates an account and stores the returned pair.
func (c *Client) Register(ctx context.Context, email, password, name string) (*User, error) {
	var resp authResponse
	err := c.postJSON(ctx, "/auth/register", map[string]string{
		"email": email, "password": password, "name": name,
	}, http.StatusCreated, &resp)
	if err != nil {
		return nil, err
	}
	c.SetTokens(*resp.Tokens)
	return resp.User, nil
}

// Login authenticates with email and password. When the account has
// two-factor enabled no tokens are stored and otpPending is true; complete
// the login with VerifyLoginOtp.
func (c *Client) Login(ctx context.Context, email, password string) (user *User, otpPending bool, err error) {
	body := map[string]string{"email": email, "password": password}
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/login", body)
	if err != nil {
		return nil, false, err
	}
	httpResp, err := c.httpc.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer httpResp.Body.Close()

	var resp authResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, false, err
	}
	switch httpResp.StatusCode {
	case http.StatusOK:
		c.SetTokens(*resp.Tokens)
		return resp.User, false, nil
	case http.StatusAccepted:
		return nil, true, nil
	default:
		return nil, false, apiError(httpResp.StatusCode, resp.Error)
	}
}

// VerifyLoginOtp completes an OTP-gated or passwordless login.
func (c *Client) VerifyLoginOtp(ctx context.Context, email, code string) (*User, error) {
	var resp authResponse
	err := c.postJSON(ctx, "/auth/verify-login-otp", map[string]string{
		"email": email, "otp": code,
	}, http.StatusOK, &resp)
	if err != nil {
		return nil, err
	}
	c.SetTokens(*resp.Tokens)
	return resp.User, nil
}

// RequestLoginOtp starts a passwordless login by emailing a code.
func (c *Client) RequestLoginOtp(ctx context.Context, email string) error {
	return c.postJSON(ctx, "/auth/request-login-otp", map[string]string{"email": email}, http.StatusNoContent, nil)
}

// ForgotPassword emails a password-reset link.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	return c.postJSON(ctx, "/auth/forgot-password", map[string]string{"email": email}, http.StatusNoContent, nil)
}

// ResetPassword sets a new password using a reset token from email.
func (c *Client) ResetPassword(ctx context.Context, token, newPassword string) error {
	path := "/auth/reset-password?token=" + token
	return c.postJSON(ctx, path, map[string]string{"password": newPassword}, http.StatusNoContent, nil)
}

// Logout revokes the refresh token and clears stored credentials.
func (c *Client) Logout(ctx context.Context) error {
	pair := c.Tokens()
	c.clearTokens()
	if pair == nil {
		return nil
	}
	return c.postJSON(ctx, "/auth/logout", map[string]string{"refreshToken": pair.Refresh.Token}, http.StatusNoContent, nil)
}

// Do performs an authenticated request, decoding a JSON response into out
// when out is non-nil. The access token is rotated up front if expired and
// once more if the server still answers 401.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	access, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	resp, err := c.doAuthed(ctx, method, path, body, access)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		access, err = c.refresh(ctx)
		if err != nil {
			return err
		}
		resp, err = c.doAuthed(ctx, method, path, body, access)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// accessToken returns a usable access token, rotating the pair first when
// the stored one has expired.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	pair := c.pair
	c.mu.RUnlock()
	if pair == nil {
		return "", ErrSessionExpired
	}
	if time.Until(pair.Access.Expires) > expirySkew {
		return pair.Access.Token, nil
	}
	return c.refresh(ctx)
}

// refresh rotates the pair. At most one refresh call is in flight at a
// time: concurrent callers wait on the same singleflight slot and all
// resume with the same new access token. On rejection every waiter gets
// ErrSessionExpired and the stored credentials are cleared.
func (c *Client) refresh(ctx context.Context) (string, error) {
	token, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		c.mu.RLock()
		pair := c.pair
		c.mu.RUnlock()
		if pair == nil || time.Now().After(pair.Refresh.Expires) {
			c.clearTokens()
			return nil, ErrSessionExpired
		}

		req, err := c.newRequest(ctx, http.MethodPost, "/auth/refresh-tokens", map[string]string{
			"refreshToken": pair.Refresh.Token,
		})
		if err != nil {
			return nil, err
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			c.clearTokens()
			return nil, ErrSessionExpired
		}
		if resp.StatusCode != http.StatusOK {
			return nil, decodeError(resp)
		}
		var newPair TokenPair
		if err := json.NewDecoder(resp.Body).Decode(&newPair); err != nil {
			return nil, err
		}
		c.SetTokens(newPair)
		return newPair.Access.Token, nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (c *Client) doAuthed(ctx context.Context, method, path string, body interface{}, access string) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+access)
	return c.httpc.Do(req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// postJSON posts an unauthenticated request and decodes the response when
// the status matches want.
func (c *Client) postJSON(ctx context.Context, path string, body interface{}, want int, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return apiError(resp.StatusCode, body.Error)
}

func apiError(status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("api error %d: %s", status, msg)
}
