package interceptor

import (
	"bytes"
	"io"
	"net/http"
	"os"
)

// Transport is an http.RoundTripper that forwards every request through
// the broker's http_request operation instead of opening a socket
// itself. Installing it as http.DefaultClient.Transport (or on a
// purpose-built client) is what "replaces outbound HTTP calls with a
// thin wrapper" means in practice for Go agents.
type Transport struct {
	Client *Client
}

// NewTransportFromEnv builds a Transport from AGENSHIELD_SOCKET/
// AGENSHIELD_TIMEOUT, only if AGENSHIELD_INTERCEPT_HTTP (or the narrower
// AGENSHIELD_INTERCEPT_FETCH) is enabled. Returns nil, false when
// interception is off, so callers can fall back to http.DefaultTransport.
func NewTransportFromEnv() (*Transport, bool) {
	if !envEnabled("AGENSHIELD_INTERCEPT_HTTP") && !envEnabled("AGENSHIELD_INTERCEPT_FETCH") {
		return nil, false
	}
	return &Transport{Client: NewClientFromEnv()}, true
}

func envEnabled(name string) bool {
	v := os.Getenv(name)
	return v == "1" || v == "true"
}

type httpRequestParams struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
}

type httpRequestResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// RoundTrip serializes req, sends it to the broker's http_request
// operation, and reconstructs an *http.Response from the result.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}

	var body string
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		body = string(b)
	}

	params := httpRequestParams{
		URL:     req.URL.String(),
		Method:  req.Method,
		Headers: headers,
		Body:    body,
	}

	var result httpRequestResult
	if err := t.Client.Call(req.Context(), "http_request", params, &result); err != nil {
		return nil, err
	}

	respHeaders := make(http.Header, len(result.Headers))
	for k, v := range result.Headers {
		respHeaders.Set(k, v)
	}

	return &http.Response{
		StatusCode: result.Status,
		Status:     http.StatusText(result.Status),
		Header:     respHeaders,
		Body:       io.NopCloser(bytes.NewReader([]byte(result.Body))),
		Request:    req,
	}, nil
}
