package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lotscan/internal/logger"
	"lotscan/pkg/apierror"
)

// Framing selects how request parameters are wrapped on the wire.
const (
	FramingJSONRPC = "jsonrpc"
	FramingFlat    = "flat"
)

// Config holds the backend connection settings.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	Framing    string
	AuthScheme string // empty sends the bare token in the Authorization header
}

// Client talks to the inventory backend. Every result is shaped into an
// apierror code: NetworkUnavailable, Unauthorized, ServerError, NotFound or
// ValidationError.
type Client struct {
	baseURL    string
	framing    string
	authScheme string
	httpClient *http.Client
	log        *zap.Logger

	mu             sync.RWMutex
	token          string
	onUnauthorized []func(error)

	seq atomic.Int64
}

// New creates a backend client.
func New(cfg Config, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	framing := cfg.Framing
	if framing == "" {
		framing = FramingJSONRPC
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		framing:    framing,
		authScheme: cfg.AuthScheme,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.OrNop(log).Named("remote"),
	}
}

// SetToken sets the bearer token attached to authenticated calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// OnUnauthorized registers fn to run whenever an authenticated call is rejected.
func (c *Client) OnUnauthorized(fn func(error)) {
	c.mu.Lock()
	c.onUnauthorized = append(c.onUnauthorized, fn)
	c.mu.Unlock()
}

func (c *Client) notifyUnauthorized(err error) {
	c.mu.RLock()
	hooks := append([]func(error){}, c.onUnauthorized...)
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn(err)
	}
}

// call posts params to path and decodes the unwrapped payload into out.
func (c *Client) call(ctx context.Context, path string, params map[string]interface{}, authenticated bool, out interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}

	var token string
	if authenticated {
		token = c.Token()
		if token == "" {
			return apierror.Unauthorized("Authentication token is required")
		}
		params["api_token"] = token
	}

	err := c.do(ctx, path, params, token, out)
	if err != nil && authenticated && apierror.Is(err, apierror.CodeUnauthorized) {
		c.notifyUnauthorized(err)
	}
	return err
}

func (c *Client) do(ctx context.Context, path string, params map[string]interface{}, token string, out interface{}) error {
	var body interface{} = params
	if c.framing == FramingJSONRPC {
		body = map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "call",
			"id":      c.seq.Add(1),
			"params":  params,
		}
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return apierror.InternalError("failed to encode request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return apierror.InternalError("failed to build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		if c.authScheme != "" {
			req.Header.Set("Authorization", c.authScheme+" "+token)
		} else {
			req.Header.Set("Authorization", token)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		c.log.Debug("backend unreachable", zap.String("path", path), zap.Error(err))
		return apierror.NetworkUnavailable("backend unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierror.NetworkUnavailable("failed to read backend response").WithCause(err)
	}

	c.log.Debug("backend call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if err := statusError(resp.StatusCode, respBody); err != nil {
		return err
	}

	payload, err := unwrap(respBody)
	if err != nil {
		return err
	}

	if err := businessError(payload); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return apierror.ServerError("unexpected backend response").WithCause(err)
	}
	return nil
}

func statusError(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apierror.Unauthorized(messageOr(body, "Authentication failed"))
	case code == http.StatusNotFound:
		return apierror.NotFound(messageOr(body, "Endpoint not found"))
	case code >= 500:
		return apierror.ServerError(fmt.Sprintf("backend returned %d", code))
	default:
		return apierror.ValidationError(messageOr(body, fmt.Sprintf("backend returned %d", code)))
	}
}

func messageOr(body []byte, fallback string) string {
	var st status
	if payload, err := unwrap(body); err == nil && json.Unmarshal(payload, &st) == nil {
		if st.Error != "" {
			return string(st.Error)
		}
		if st.Message != "" {
			return string(st.Message)
		}
	}
	return fallback
}

// unwrap returns the payload inside result or params, or the body itself.
func unwrap(body []byte) ([]byte, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return []byte("{}"), nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apierror.ServerError("malformed backend response").WithCause(err)
	}
	if env.Error != nil {
		return nil, rpcFailure(env.Error)
	}
	if isPresent(env.Result) {
		return env.Result, nil
	}
	if isPresent(env.Params) && bytes.HasPrefix(bytes.TrimSpace(env.Params), []byte("{")) {
		return env.Params, nil
	}
	return body, nil
}

func isPresent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && string(raw) != "null"
}

// Odoo reports an expired web session with code 100.
func rpcFailure(e *rpcError) error {
	msg := e.Data.Message
	if msg == "" {
		msg = e.Message
	}
	if e.Code == 100 {
		return apierror.Unauthorized(msg)
	}
	return apierror.ServerError(msg)
}

func businessError(payload []byte) error {
	var st status
	if err := json.Unmarshal(payload, &st); err != nil {
		// Payloads that do not decode as an object carry no business status.
		return nil
	}
	if st.Success == nil || *st.Success {
		return nil
	}

	msg := string(st.Error)
	if msg == "" {
		msg = string(st.Message)
	}
	if msg == "" {
		msg = "Request rejected by backend"
	}
	return classify(msg, st.ScanLines)
}

var authMessages = []string{
	"authentication token is required",
	"invalid authentication token",
	"authentication failed",
	"invalid pin",
	"sale person not found",
}

// classify maps a success:false message to an error code.
func classify(msg string, lines []wireLineResult) error {
	lower := strings.ToLower(msg)
	for _, m := range authMessages {
		if strings.Contains(lower, m) {
			return apierror.Unauthorized(msg)
		}
	}

	var details []apierror.FieldError
	for _, l := range lines {
		if !l.Success {
			details = append(details, apierror.FieldError{Field: string(l.LotName), Message: string(l.Error)})
		}
	}
	if len(details) > 0 {
		return apierror.ValidationError(msg, details...)
	}

	if strings.Contains(lower, "not found") {
		return apierror.NotFound(msg)
	}
	return apierror.ValidationError(msg)
}
