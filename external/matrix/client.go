// Package matrix implements the Matrix client-server API calls the bot
// needs directly over net/http, plus the Synapse admin forced join.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	matrixpkg "github.com/foxseedlab/heyamori/internal/matrix"
	"github.com/yuin/goldmark"
	"golang.org/x/time/rate"
)

const (
	clientAPIPrefix  = "/_matrix/client/v3"
	synapseAdminPath = "/_synapse/admin/v1"
	maxResponseBytes = 16 << 20
)

type Config struct {
	HomeserverURL  string
	UserID         string
	AccessToken    string
	Password       string
	DeviceID       string
	ServerName     string
	IsSynapseAdmin bool
	// RatePerSecond bounds outgoing requests; zero disables the limiter.
	RatePerSecond float64
	HTTPClient    *http.Client
}

type Client struct {
	baseURL        string
	httpClient     *http.Client
	limiter        *rate.Limiter
	markdown       goldmark.Markdown
	userID         string
	serverName     string
	password       string
	deviceID       string
	isSynapseAdmin bool

	mu               sync.RWMutex
	accessToken      string
	messageHandlers  []func(matrixpkg.MessageEvent)
	reactionHandlers []func(matrixpkg.ReactionEvent)
	inviteHandlers   []func(matrixpkg.InviteEvent)
	syncTimeout      time.Duration
	syncBackoff      time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, fmt.Errorf("matrix homeserver url is required")
	}
	if _, err := url.Parse(cfg.HomeserverURL); err != nil {
		return nil, fmt.Errorf("invalid matrix homeserver url %q: %w", cfg.HomeserverURL, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(1, int(cfg.RatePerSecond)))
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.HomeserverURL, "/"),
		httpClient:     httpClient,
		limiter:        limiter,
		markdown:       newMarkdown(),
		userID:         cfg.UserID,
		serverName:     cfg.ServerName,
		accessToken:    cfg.AccessToken,
		password:       cfg.Password,
		deviceID:       cfg.DeviceID,
		isSynapseAdmin: cfg.IsSynapseAdmin,
		syncTimeout:    30 * time.Second,
		syncBackoff:    2 * time.Second,
	}, nil
}

var _ matrixpkg.Client = (*Client)(nil)

func (c *Client) UserID() string     { return c.userID }
func (c *Client) ServerName() string { return c.serverName }

// Connect logs in with the password when no access token is configured and
// checks that the token belongs to the configured user.
func (c *Client) Connect(ctx context.Context) error {
	if c.token() == "" {
		if err := c.login(ctx); err != nil {
			return err
		}
	}
	body, err := c.doRequest(ctx, "whoami", http.MethodGet, clientAPIPrefix+"/account/whoami", nil, nil)
	if err != nil {
		return fmt.Errorf("failed to verify matrix credentials: %w", err)
	}
	var whoami struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(body, &whoami); err != nil {
		return fmt.Errorf("failed to parse whoami response: %w", err)
	}
	if whoami.UserID != c.userID {
		return fmt.Errorf("access token belongs to %s, expected %s", whoami.UserID, c.userID)
	}
	slog.Info("matrix credentials verified", "user_id", c.userID, "synapse_admin", c.isSynapseAdmin)
	return nil
}

func (c *Client) login(ctx context.Context) error {
	if c.password == "" {
		return fmt.Errorf("matrix password is required when no access token is set")
	}
	req := map[string]any{
		"type":                        "m.login.password",
		"identifier":                  map[string]any{"type": "m.id.user", "user": c.userID},
		"password":                    c.password,
		"device_id":                   c.deviceID,
		"initial_device_display_name": "heyamori",
	}
	body, err := c.doRequest(ctx, "login", http.MethodPost, clientAPIPrefix+"/login", req, nil)
	if err != nil {
		return fmt.Errorf("matrix login failed: %w", err)
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		DeviceID    string `json:"device_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse login response: %w", err)
	}
	c.mu.Lock()
	c.accessToken = resp.AccessToken
	c.mu.Unlock()
	slog.Info("logged in to matrix", "user_id", c.userID, "device_id", resp.DeviceID)
	return nil
}

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// doRequest performs one rate-limited request and returns the response
// body. Failures are returned as *matrixpkg.GatewayError classified by
// status and errcode.
func (c *Client) doRequest(ctx context.Context, op, method, path string, requestBody any, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &matrixpkg.GatewayError{Kind: matrixpkg.KindTransient, Op: op, Err: err}
	}

	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, &matrixpkg.GatewayError{Kind: matrixpkg.KindValidation, Op: op, Err: err}
		}
		bodyReader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, &matrixpkg.GatewayError{Kind: matrixpkg.KindValidation, Op: op, Err: err}
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &matrixpkg.GatewayError{Kind: matrixpkg.KindTransient, Op: op, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &matrixpkg.GatewayError{Kind: matrixpkg.KindTransient, Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	gwErr := classify(op, resp.StatusCode, resp.Header, body)
	slog.Debug("matrix request failed", "op", op, "method", method, "path", path, "status", resp.StatusCode, "code", gwErr.Code, "kind", gwErr.Kind)
	return nil, gwErr
}

func roomPath(roomID string, parts ...string) string {
	p := clientAPIPrefix + "/rooms/" + url.PathEscape(roomID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}
