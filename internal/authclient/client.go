// Package authclient wraps an http.Client with a herald session: it
// attaches the access token to outgoing requests and transparently
// recovers from one token expiry per request via the refresh endpoint.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrSessionExpired means the session could not be refreshed. Callers
// must send the user back through login; retrying will not help.
var ErrSessionExpired = errors.New("session expired")

// Client holds one session's token pair and replays rejected requests
// once after refreshing. Safe for concurrent use: simultaneous rejections
// share a single in-flight refresh, since independent refresh calls would
// rotate the token and invalidate each other.
type Client struct {
	http       *http.Client
	refreshURL string

	mu      sync.Mutex
	access  string
	refresh string

	group singleflight.Group
}

// New builds a client around httpClient. A nil httpClient gets a default
// with a 30s timeout so no call can hang.
func New(httpClient *http.Client, refreshURL, accessToken, refreshToken string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:       httpClient,
		refreshURL: refreshURL,
		access:     accessToken,
		refresh:    refreshToken,
	}
}

// SetTokens replaces the stored pair, e.g. after a fresh login.
func (c *Client) SetTokens(accessToken, refreshToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.access = accessToken
	c.refresh = refreshToken
}

// Tokens returns the currently stored pair.
func (c *Client) Tokens() (accessToken, refreshToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access, c.refresh
}

// Do sends req with the current access token. On a 401 it refreshes the
// session once and retries the request exactly once, returning the retry's
// response whatever its status. A failed refresh clears the stored tokens
// and returns ErrSessionExpired.
//
// Retries rebuild the body via req.GetBody (set automatically by
// http.NewRequest for buffered bodies); a 401 on a request whose body
// cannot be replayed is returned as-is.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	access, _ := c.Tokens()

	resp, err := c.send(req, access)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}
	resp.Body.Close()

	newAccess, err := c.refreshSession(req.Context(), access)
	if err != nil {
		return nil, err
	}
	return c.send(req, newAccess)
}

// send issues one attempt with the given access token, cloning req so the
// original stays replayable.
func (c *Client) send(req *http.Request, access string) (*http.Response, error) {
	attempt := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		attempt.Body = body
	}
	if access != "" {
		attempt.Header.Set("Authorization", "Bearer "+access)
	}
	return c.http.Do(attempt)
}

// refreshSession returns a usable access token after a rejection of
// failedAccess. Concurrent callers share one refresh; callers whose token
// was already replaced by another flight reuse the stored one without
// another network call.
func (c *Client) refreshSession(ctx context.Context, failedAccess string) (string, error) {
	c.mu.Lock()
	if c.access != "" && c.access != failedAccess {
		current := c.access
		c.mu.Unlock()
		return current, nil
	}
	refresh := c.refresh
	c.mu.Unlock()

	if refresh == "" {
		c.SetTokens("", "")
		return "", ErrSessionExpired
	}

	v, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		// Re-check under the flight: a just-finished flight may have
		// already stored a fresh pair.
		c.mu.Lock()
		if c.access != "" && c.access != failedAccess {
			current := c.access
			c.mu.Unlock()
			return current, nil
		}
		current := c.refresh
		c.mu.Unlock()

		pair, err := c.callRefresh(ctx, current)
		if err != nil {
			c.SetTokens("", "")
			return nil, ErrSessionExpired
		}
		c.SetTokens(pair.AccessToken, pair.RefreshToken)
		return pair.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// callRefresh performs the refresh network round-trip.
func (c *Client) callRefresh(ctx context.Context, refreshToken string) (refreshResponse, error) {
	payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return refreshResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.refreshURL, bytes.NewReader(payload))
	if err != nil {
		return refreshResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return refreshResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return refreshResponse{}, fmt.Errorf("refresh rejected with status %d", resp.StatusCode)
	}
	var pair refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return refreshResponse{}, err
	}
	if pair.AccessToken == "" {
		return refreshResponse{}, errors.New("refresh response missing access token")
	}
	return pair, nil
}
