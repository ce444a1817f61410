package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

// HTTPConfig configures the http.request task handler.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}

// HTTPRequest calls an HTTP endpoint described by the task params:
// method, url, headers, body (sent as JSON), auth{type: bearer|basic},
// timeout (Go duration) and fail_on_error_status.
type HTTPRequest struct {
	config HTTPConfig
}

// NewHTTPRequest creates the http.request handler.
func NewHTTPRequest(cfg HTTPConfig) *HTTPRequest {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &HTTPRequest{config: cfg}
}

func (h *HTTPRequest) Execute(ctx context.Context, input any, tc TaskContext) (*Result, error) {
	params, _ := input.(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	rawURL := stringParam(params, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL).WithNode(tc.NodeID)
	}
	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))

	timeout := h.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	var body io.Reader
	if raw, ok := params["body"]; ok && raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "http.request: body is not JSON").WithCause(err)
		}
		body = strings.NewReader(string(b))
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.request: build request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hdrs, ok := params["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	req.Header.Set("X-Procflow-Execution", tc.ExecutionID)
	if auth, ok := params["auth"].(map[string]any); ok {
		switch stringParam(auth, "type", "") {
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
		case "basic":
			req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
		}
	}

	start := time.Now()
	resp, err := h.config.Client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "http.request: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepExecution, "http.request: read response body").WithCause(err)
	}

	contentType := resp.Header.Get("Content-Type")
	var parsed any
	if len(raw) > 0 {
		parsed = string(raw)
		if strings.Contains(contentType, "application/json") {
			var v any
			if json.Unmarshal(raw, &v) == nil {
				parsed = v
			}
		}
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"body":         parsed,
		"content_type": contentType,
		"duration_ms":  time.Since(start).Milliseconds(),
	}

	if boolParam(params, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		// 5xx is worth retrying, 4xx is a bad request.
		code := schema.ErrCodeValidation
		if resp.StatusCode >= 500 {
			code = schema.ErrCodeStepExecution
		}
		return nil, schema.NewErrorf(code, "http.request: server returned %d", resp.StatusCode).
			WithDetails(result)
	}
	return &Result{Output: result}, nil
}
