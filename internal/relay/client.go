package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/zombor/receipt-ledger/internal/receipt"
)

var (
	// ErrInvalidCredentials is returned when the relay rejects a login
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthorized is returned when the relay redirects to its login page
	ErrUnauthorized = errors.New("not logged in")
	// ErrInsecureTransport is returned when the relay's session cookie
	// cannot be sent back over the client's scheme
	ErrInsecureTransport = errors.New("relay set a Secure session cookie over http; use https or start the relay with --insecure-cookie")
)

// Client talks to a relay over HTTP, keeping the session cookie between
// calls. It satisfies receipt.Extractor and receipt.Persister.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the relay at baseURL
func NewClient(baseURL string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Jar:     jar,
			Timeout: 3 * time.Minute,
			// a redirect always means the session was rejected
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return 0, fmt.Errorf("marshaling request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &body)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calling relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusSeeOther {
		return resp.StatusCode, ErrUnauthorized
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
		}
	}
	return resp.StatusCode, nil
}

// Login starts a session with the shared credential
func (c *Client) Login(ctx context.Context, id, pass string) error {
	var resp LoginResponse
	status, err := c.do(ctx, http.MethodPost, "/login", LoginRequest{ID: id, Pass: pass}, &resp)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return ErrInvalidCredentials
	}
	if status != http.StatusOK || !resp.OK {
		return fmt.Errorf("login failed (status %d): %s", status, resp.Message)
	}

	// the jar drops Secure cookies for http URLs, so every later call would redirect
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parsing relay url: %w", err)
	}
	for _, cookie := range c.http.Jar.Cookies(u) {
		if cookie.Name == sessionCookie {
			return nil
		}
	}
	return ErrInsecureTransport
}

// Logout ends the session
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/logout", nil, nil)
	return err
}

// Config fetches the relay's models, payers and currency
func (c *Client) Config(ctx context.Context) (*ConfigResponse, error) {
	var resp ConfigResponse
	status, err := c.do(ctx, http.MethodGet, "/api/config", nil, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetching config: status %d", status)
	}
	return &resp, nil
}

// ExtractImage sends one extraction request and returns the raw model text
func (c *Client) ExtractImage(ctx context.Context, req receipt.ExtractRequest) (string, error) {
	var resp ExtractResponse
	status, err := c.do(ctx, http.MethodPost, "/extract-image", req, &resp)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		if resp.Error == "" {
			resp.Error = http.StatusText(status)
		}
		return "", fmt.Errorf("relay error (status %d): %s", status, resp.Error)
	}
	return resp.Message, nil
}

// SaveRows appends rows through the relay
func (c *Client) SaveRows(ctx context.Context, rows []receipt.PersistedRow) error {
	var resp SaveResponse
	status, err := c.do(ctx, http.MethodPost, "/save-receipt", rows, &resp)
	if err != nil {
		return err
	}
	if status != http.StatusOK || !resp.OK {
		return fmt.Errorf("saving rows (status %d): %s", status, resp.Message)
	}
	return nil
}
