// Package restclient talks to the backend REST API. Every request body is
// sealed with the shared envelope and every response body is opened with it.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"tradedesk/internal/domain"
	"tradedesk/internal/envelope"
	"tradedesk/internal/infra"
)

// Config holds the client settings.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RetryCount    int
	RetryWait     time.Duration
	RetryMaxWait  time.Duration
	PositionsPath string
	TradesPath    string
}

// Client is the encrypted REST client.
type Client struct {
	rc      *resty.Client
	cfg     Config
	cipher  *envelope.Cipher
	session domain.SessionProvider
	logger  *slog.Logger
	metrics *infra.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *infra.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client.
func New(cfg Config, cipher *envelope.Cipher, session domain.SessionProvider, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}
	if cfg.RetryMaxWait < cfg.RetryWait {
		cfg.RetryMaxWait = 5 * time.Second
	}
	if cfg.PositionsPath == "" {
		cfg.PositionsPath = "/positions"
	}
	if cfg.TradesPath == "" {
		cfg.TradesPath = "/trades"
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", infra.DefaultUserAgent).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if resp == nil {
				return false
			}
			switch resp.StatusCode() {
			case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
				return true
			}
			return false
		})

	c := &Client{
		rc:      rc,
		cfg:     cfg,
		cipher:  cipher,
		session: session,
		logger:  slog.Default(),
		metrics: infra.GlobalMetrics,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("module", "restclient"))
	return c
}

// Get issues a GET and decodes the response into out (may be nil).
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post issues a POST with an encrypted body.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// Put issues a PUT with an encrypted body.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPut, path, body, out)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out)
}

// Do performs one request. A nil body sends no payload; a nil out discards
// the response after the status checks.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.session.Token(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrSessionExpired) {
			return err
		}
		return errors.Wrap(err, "restclient: session token")
	}

	req := c.rc.R().
		SetContext(ctx).
		SetHeader("Authorization", bearer(token)).
		SetHeader("Content-Type", "application/json").
		SetHeader("deviceType", c.session.DeviceType(ctx))

	if body != nil {
		ct, err := c.cipher.Encrypt(body)
		if err != nil {
			return errors.Wrapf(err, "restclient: encrypt %s %s", method, path)
		}
		payload, err := json.Marshal(envelopeBody{Data: ct})
		if err != nil {
			return errors.Wrap(err, "restclient: marshal envelope")
		}
		req.SetBody(payload)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		c.metrics.RecordRequest(time.Since(start), true)
		if ctx.Err() != nil {
			return errors.Wrapf(domain.NewFatalNetworkError(method+" "+path, err), "restclient")
		}
		return errors.Wrapf(domain.NewNetworkError(method+" "+path, err), "restclient")
	}

	status := resp.StatusCode()
	plain, openErr := c.openBody(resp.Body())
	bodyStatus, message := inspectBody(plain)

	if status == http.StatusUnauthorized || bodyStatus == http.StatusUnauthorized {
		c.metrics.RecordRequest(time.Since(start), true)
		c.metrics.RecordSessionExpired()
		reason := message
		if reason == "" {
			reason = "unauthorized"
		}
		c.logger.Warn("Backend rejected session", slog.String("method", method), slog.String("path", path), slog.Int("status", status))
		c.session.ForceSignOut(ctx, reason)
		return domain.ErrSessionExpired
	}

	if !resp.IsSuccess() {
		c.metrics.RecordRequest(time.Since(start), true)
		if message == "" {
			message = strings.TrimSpace(string(resp.Body()))
		}
		return &domain.RequestError{Method: method, Path: path, Status: status, Message: message}
	}

	c.metrics.RecordRequest(time.Since(start), false)

	if out == nil || len(bytes.TrimSpace(resp.Body())) == 0 {
		return nil
	}
	if openErr != nil {
		c.metrics.RecordDecodeError()
		return errors.Wrapf(openErr, "restclient: %s %s", method, path)
	}
	if err := json.Unmarshal(plain, out); err != nil {
		c.metrics.RecordDecodeError()
		return &domain.DecodeError{Stage: "json", Err: err}
	}
	return nil
}

// Positions fetches the netted position snapshot for the given users.
func (c *Client) Positions(ctx context.Context, q domain.PositionQuery) ([]domain.PositionRow, error) {
	var raw json.RawMessage
	if err := c.Post(ctx, c.cfg.PositionsPath, q, &raw); err != nil {
		return nil, err
	}
	var rows []domain.PositionRow
	if err := decodeList(raw, "rows", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Trades fetches raw executions for the given users.
func (c *Client) Trades(ctx context.Context, q domain.PositionQuery) ([]domain.Trade, error) {
	var raw json.RawMessage
	if err := c.Post(ctx, c.cfg.TradesPath, q, &raw); err != nil {
		return nil, err
	}
	var trades []domain.Trade
	if err := decodeList(raw, "trades", &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

type envelopeBody struct {
	Data string `json:"data"`
}

// openBody accepts a bare ciphertext, a JSON string, {"data": "<ct>"} or
// {"data": ["<ct>", ...]} and returns the joined plaintext.
func (c *Client) openBody(raw []byte) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, &domain.DecodeError{Stage: "json", Err: err}
		}
		return c.cipher.OpenChunks(s)
	case '{':
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, &domain.DecodeError{Stage: "json", Err: err}
		}
		data := bytes.TrimSpace(env.Data)
		if len(data) == 0 {
			return nil, &domain.DecodeError{Stage: "json", Err: errors.New("response has no data field")}
		}
		if data[0] == '[' {
			var chunks []string
			if err := json.Unmarshal(data, &chunks); err != nil {
				return nil, &domain.DecodeError{Stage: "json", Err: err}
			}
			return c.cipher.OpenChunks(chunks...)
		}
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, &domain.DecodeError{Stage: "json", Err: err}
		}
		return c.cipher.OpenChunks(s)
	default:
		return c.cipher.OpenChunks(string(raw))
	}
}

// inspectBody pulls an application status and message out of a decrypted
// JSON object. Anything else yields (0, "").
func inspectBody(plain []byte) (int, string) {
	if len(plain) == 0 {
		return 0, ""
	}
	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return 0, ""
	}

	status := 0
	for _, key := range []string{"statusCode", "status"} {
		if n, ok := asInt(obj[key]); ok {
			status = n
			break
		}
	}

	var message string
	for _, key := range []string{"message", "error"} {
		switch v := obj[key].(type) {
		case string:
			message = v
		case map[string]any:
			if m, ok := v["message"].(string); ok {
				message = m
			}
		}
		if message != "" {
			break
		}
	}
	return status, message
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

// decodeList accepts a bare JSON array or an object holding it under key.
func decodeList(raw json.RawMessage, key string, out any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, out); err != nil {
			return &domain.DecodeError{Stage: "json", Err: err}
		}
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return &domain.DecodeError{Stage: "json", Err: err}
	}
	list, ok := obj[key]
	if !ok {
		return &domain.DecodeError{Stage: "json", Err: fmt.Errorf("response has no %q list", key)}
	}
	if err := json.Unmarshal(list, out); err != nil {
		return &domain.DecodeError{Stage: "json", Err: err}
	}
	return nil
}

func bearer(token string) string {
	token = strings.TrimSpace(token)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		return "Bearer " + strings.TrimSpace(token[7:])
	}
	return "Bearer " + token
}
