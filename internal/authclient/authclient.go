// Package authclient validates the job's user token against the
// platform auth service: it resolves a user identity and reads the
// token's expiry so the supervisor can compute its hard deadline.
package authclient

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kbase/job-runner-go/internal/retry"
)

// Client talks to the KBase-style auth service's v2 surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client pointed at the auth service base URL.
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{}}
}

// GetUser resolves token to a user identity.
func (c *Client) GetUser(ctx context.Context, token string) (string, error) {
	var out struct {
		User string `json:"user"`
	}
	if err := c.getTokenInfo(ctx, token, &out); err != nil {
		return "", fmt.Errorf("get_user: %w", err)
	}
	if out.User == "" {
		return "", fmt.Errorf("get_user: auth service returned no user for token")
	}
	return out.User, nil
}

// TokenInfo is the subset of the v2 token-info response the
// supervisor needs.
type TokenInfo struct {
	User    string `json:"user"`
	Expires int64  `json:"expires"` // absolute epoch seconds
}

// GetTokenInfo fetches the full v2 token-info document, including the
// absolute expiry the supervisor uses to compute its deadline.
func (c *Client) GetTokenInfo(ctx context.Context, token string) (*TokenInfo, error) {
	var info TokenInfo
	if err := c.getTokenInfo(ctx, token, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) getTokenInfo(ctx context.Context, token string, out interface{}) error {
	return retry.WithBackoff(ctx, retry.DefaultConfig(), "auth_token_info", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/V2/token", nil)
		if err != nil {
			return fmt.Errorf("building token info request: %w", err)
		}
		req.Header.Set("Authorization", token)

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.Transient(fmt.Errorf("token info request: %w", err))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.Transient(fmt.Errorf("reading token info response: %w", err))
		}

		if resp.StatusCode != http.StatusOK {
			return &retry.StatusError{Code: resp.StatusCode, Body: string(body)}
		}

		return json.Unmarshal(body, out)
	})
}

// HashToken returns a hex-encoded sha256 digest of token, suitable for
// comparing against a stored hash without keeping the raw token around.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken performs a constant-time comparison between a raw token
// and a previously hashed value, used by the callback endpoint to
// authenticate subjob submissions against the token it was started
// with.
func VerifyToken(token, expectedHash string) bool {
	actual := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expectedHash)) == 1
}
