package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// ActorHeader names the caller in the daemon's lock diagnostics.
const ActorHeader = "X-Gamevisor-Actor"

// Client provides HTTP client functionality to communicate with the gamevisor daemon
type Client struct {
	baseURL string
	actor   string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Actor    string       // sent as X-Gamevisor-Actor when set
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 30 * time.Second,
	}
}

// New creates a new gamevisor API client. Timeout bounds unary calls only;
// event streams and downloads are bounded by their context.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("client TLS: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		actor:   config.Actor,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		stream: &http.Client{Transport: transport},
	}, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
	}
	return err == nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.actor != "" {
		req.Header.Set(ActorHeader, c.actor)
	}
	return req, nil
}

// do sends in as JSON (when not nil) and decodes a 2xx answer into out
// (when not nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		var err error
		if body, err = jsonBody(in); err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeJSON(resp.Body, out)
}

func jsonBody(v any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return bytes.NewReader(data), nil
}

func decodeJSON(r io.Reader, out any) error {
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkResponse maps a non-2xx answer to *APIError.
func (c *Client) checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err == nil {
		apiErr.Code, apiErr.Field, apiErr.Message = errorResp.Code, errorResp.Field, errorResp.Error
	}
	c.logger.Debug("API request failed", "status", resp.StatusCode, "code", apiErr.Code, "error", apiErr.Message)
	return apiErr
}

func serverPath(id string, parts ...string) string {
	p := "/servers/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func pathQuery(p string) url.Values { return url.Values{"path": {p}} }

func (c *Client) ListServers(ctx context.Context) ([]Server, error) {
	var out []Server
	return out, c.do(ctx, http.MethodGet, "/servers", nil, nil, &out)
}

func (c *Client) GetServer(ctx context.Context, id string) (Server, error) {
	var out Server
	return out, c.do(ctx, http.MethodGet, serverPath(id), nil, nil, &out)
}

func (c *Client) CreateServer(ctx context.Context, rec Server) (Server, error) {
	var out Server
	return out, c.do(ctx, http.MethodPost, "/servers", nil, rec, &out)
}

func (c *Client) UpdateServer(ctx context.Context, id string, patch ServerPatch) (Server, error) {
	var out Server
	return out, c.do(ctx, http.MethodPatch, serverPath(id), nil, patch, &out)
}

func (c *Client) DeleteServer(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, serverPath(id), nil, nil, nil)
}

// Start returns once the server is STARTING; use Events or Runtime to
// observe ONLINE.
func (c *Client) Start(ctx context.Context, id string) (Runtime, error) {
	var out Runtime
	return out, c.do(ctx, http.MethodPost, serverPath(id, "start"), nil, nil, &out)
}

func (c *Client) Stop(ctx context.Context, id string) (Runtime, error) {
	var out Runtime
	return out, c.do(ctx, http.MethodPost, serverPath(id, "stop"), nil, nil, &out)
}

func (c *Client) Restart(ctx context.Context, id string) (Runtime, error) {
	var out Runtime
	return out, c.do(ctx, http.MethodPost, serverPath(id, "restart"), nil, nil, &out)
}

func (c *Client) SendCommand(ctx context.Context, id, command string) error {
	return c.do(ctx, http.MethodPost, serverPath(id, "command"), nil, commandRequest{Command: command}, nil)
}

func (c *Client) Runtime(ctx context.Context, id string) (Runtime, error) {
	var out Runtime
	return out, c.do(ctx, http.MethodGet, serverPath(id, "runtime"), nil, nil, &out)
}

func (c *Client) Runtimes(ctx context.Context) ([]Runtime, error) {
	var out []Runtime
	return out, c.do(ctx, http.MethodGet, "/runtimes", nil, nil, &out)
}

func (c *Client) Players(ctx context.Context, id string) ([]string, error) {
	var out []string
	return out, c.do(ctx, http.MethodGet, serverPath(id, "players"), nil, nil, &out)
}

// PlayerAction runs a player management action such as "op" or "ban".
func (c *Client) PlayerAction(ctx context.Context, id, action, name string) error {
	return c.do(ctx, http.MethodPost, serverPath(id, "players", action), nil, playerRequest{Name: name}, nil)
}
