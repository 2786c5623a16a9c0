package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerchat/internal/channel"
)

// htmlSentinel marks a server error page served where a value was expected.
// Such replies mean "value absent", not a hard failure.
var htmlSentinel = []byte("<!DOCTYPE html>")

// Client fetches profile data over the server's one-shot HTTP endpoints,
// outside the session channel. Missing values degrade to zero values with a
// nil error; only transport failures are returned as errors, and callers
// fall back to placeholder display either way.
type Client struct {
	http *resty.Client
	log  *zap.Logger
}

// NewClient creates a profile client for the given server base URL. The auth
// key rides along as a cookie on every call, like on the session channel.
func NewClient(baseURL, authKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(15 * time.Second)
	if authKey != "" {
		r.SetCookie(&http.Cookie{Name: channel.AuthCookieName, Value: authKey, Path: "/"})
	}
	return &Client{http: r, log: logger}
}

// Name returns the local user's display name, or "" when unset.
func (c *Client) Name(ctx context.Context) (string, error) {
	return c.getString(ctx, "/api/v0/user/name")
}

// Avatar returns the local user's avatar image bytes, or nil when unset.
func (c *Client) Avatar(ctx context.Context) ([]byte, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/api/v0/user/avatar")
	if err != nil {
		return nil, err
	}
	body := resp.Body()
	if !resp.IsSuccess() || bytes.HasPrefix(body, htmlSentinel) {
		return nil, nil
	}
	return body, nil
}

// Address returns the address this node is reachable at, or "" when unset.
func (c *Client) Address(ctx context.Context) (string, error) {
	return c.getString(ctx, "/user/address")
}

// SetAddress changes the address this node publishes to its peers.
func (c *Client) SetAddress(ctx context.Context, addr string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(addr).
		Post("/user/address")
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		c.log.Warn("address change not accepted", zap.Int("status", resp.StatusCode()))
	}
	return nil
}

// AddressOptions returns the addresses the server can offer, or nil.
func (c *Client) AddressOptions(ctx context.Context) ([]string, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/user/address-options")
	if err != nil {
		return nil, err
	}
	body := resp.Body()
	if !resp.IsSuccess() || bytes.HasPrefix(body, htmlSentinel) {
		return nil, nil
	}
	var opts []string
	if err := json.Unmarshal(body, &opts); err != nil {
		return nil, nil
	}
	return opts, nil
}

// Ping reports whether the server answers at all.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/ping")
	if err != nil {
		return false, err
	}
	return resp.IsSuccess(), nil
}

// HasAuthKey reports whether the server already has an auth key configured.
func (c *Client) HasAuthKey(ctx context.Context) (bool, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/auth/key")
	if err != nil {
		return false, err
	}
	if !resp.IsSuccess() {
		return false, nil
	}
	var set bool
	if err := json.Unmarshal(resp.Body(), &set); err != nil {
		return false, nil
	}
	return set, nil
}

// CreateAuthKey registers an auth key with the server and returns it. An
// empty key asks for a generated one.
func (c *Client) CreateAuthKey(ctx context.Context, key string) (string, error) {
	if key == "" {
		key = uuid.NewString()
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(key).
		Post("/auth/key")
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() {
		return "", nil
	}
	return key, nil
}

// AuthTest reports whether the configured auth key is accepted.
func (c *Client) AuthTest(ctx context.Context) (bool, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/auth/test")
	if err != nil {
		return false, err
	}
	return resp.IsSuccess() && !bytes.HasPrefix(resp.Body(), htmlSentinel), nil
}

func (c *Client) getString(ctx context.Context, path string) (string, error) {
	resp, err := c.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return "", err
	}
	body := resp.Body()
	if !resp.IsSuccess() || bytes.HasPrefix(body, htmlSentinel) {
		return "", nil
	}
	// Endpoints answer with a JSON string; older server builds send the
	// bare value.
	var s string
	if err := json.Unmarshal(body, &s); err != nil {
		return strings.TrimSpace(string(body)), nil
	}
	return s, nil
}
