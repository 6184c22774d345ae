package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Client talks to the streamvisor HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	TLS     *TLSClientConfig
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string
	SkipVerify bool
}

// APIError is returned for non-2xx answers.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a client. A TLS setup failure is logged and the client falls
// back to the default transport settings.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil {
		tlsConfig, err := setupClientTLS(*config.TLS)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// NewSource returns a source with the server defaults for everything but
// id and address.
func NewSource(id, address string) Source {
	return Source{ID: id, Address: address, Enabled: true}
}

// IsReachable checks that the API answers and its store is reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		c.logger.Debug("api unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) ListSources(ctx context.Context) ([]Source, error) {
	var out []Source
	if err := c.do(ctx, http.MethodGet, "/sources", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSource(ctx context.Context, id string) (*Source, error) {
	var out Source
	if err := c.do(ctx, http.MethodGet, "/sources/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddSource creates or replaces a source. It does not start the stream.
func (c *Client) AddSource(ctx context.Context, src Source) (*Source, error) {
	var out Source
	if err := c.do(ctx, http.MethodPost, "/sources", src, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RemoveSource(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sources/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListStreams(ctx context.Context) ([]Stream, error) {
	var out []Stream
	if err := c.do(ctx, http.MethodGet, "/streams", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetStream(ctx context.Context, id string) (*Stream, error) {
	var out Stream
	if err := c.do(ctx, http.MethodGet, "/streams/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Start, Stop and Restart only queue the request; poll GetStream for the
// outcome.
func (c *Client) Start(ctx context.Context, id string) error {
	return c.control(ctx, id, "start")
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.control(ctx, id, "stop")
}

func (c *Client) Restart(ctx context.Context, id string) error {
	return c.control(ctx, id, "restart")
}

func (c *Client) control(ctx context.Context, id, action string) error {
	c.logger.Debug("stream control", "id", id, "action", action)
	return c.do(ctx, http.MethodPost, "/streams/"+url.PathEscape(id)+"/"+action, nil, nil)
}

func (c *Client) ListFailed(ctx context.Context) ([]Failure, error) {
	var out []Failure
	if err := c.do(ctx, http.MethodGet, "/failed", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var out []Task
	if err := c.do(ctx, http.MethodGet, "/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config TLSClientConfig) (*tls.Config, error) {
	// #nosec G402 skip verify is an explicit opt-in
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         config.ServerName,
		InsecureSkipVerify: config.SkipVerify,
	}
	if config.CACert != "" {
		caCert, err := os.ReadFile(config.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// do sends in as JSON when not nil and decodes a 2xx body into out when
// not nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
			errResp.Error = http.StatusText(resp.StatusCode)
		}
		c.logger.Debug("api request failed", "method", method, "path", path, "status", resp.StatusCode, "error", errResp.Error)
		return &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
