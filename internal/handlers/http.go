package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"agenshield/internal/model"
	"agenshield/internal/policy"
)

type httpRequestParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	TimeoutMs int             `json:"timeout_ms"`
}

type httpRequestResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// HTTPRequest validates the URL and method, policy-checks the full URL,
// then performs the request on the broker's behalf.
func HTTPRequest(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	var p httpRequestParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, model.NewValidationError("invalid http_request params", err)
	}
	if p.URL == "" {
		return nil, model.NewValidationError("url is required", nil)
	}
	parsed, err := url.Parse(p.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, model.NewValidationError("url is not a valid absolute URL", err)
	}
	method := p.Method
	if method == "" {
		method = http.MethodGet
	}

	target := policy.NormalizeURL(parsed.Scheme, parsed.Host, parsed.Path, parsed.RawQuery)
	if err := checkPolicy(deps, model.OpHTTPRequest, target); err != nil {
		return nil, err
	}

	timeout := 30 * time.Second
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	client := &http.Client{Timeout: timeout}

	req, err := http.NewRequest(method, p.URL, bytes.NewReader([]byte(p.Body)))
	if err != nil {
		return nil, model.NewValidationError("could not build request", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, model.NewInternal("http request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewInternal("reading response body failed", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return httpRequestResult{Status: resp.StatusCode, Headers: headers, Body: string(body)}, nil
}

type openURLParams struct {
	URL string `json:"url"`
}

// OpenURL policy-checks the URL then hands it to the platform opener.
func OpenURL(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	var p openURLParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, model.NewValidationError("invalid open_url params", err)
	}
	parsed, err := url.Parse(p.URL)
	if err != nil || parsed.Scheme == "" {
		return nil, model.NewValidationError("url is not a valid absolute URL", err)
	}

	target := policy.NormalizeURL(parsed.Scheme, parsed.Host, parsed.Path, parsed.RawQuery)
	if err := checkPolicy(deps, model.OpOpenURL, target); err != nil {
		return nil, err
	}

	opener := platformOpener()
	cmd := exec.Command(opener, p.URL)
	if err := cmd.Start(); err != nil {
		return nil, model.NewInternal("failed to launch url opener", err)
	}
	return map[string]bool{"opened": true}, nil
}

func platformOpener() string {
	switch runtime.GOOS {
	case "darwin":
		return "open"
	case "windows":
		return "cmd"
	default:
		return "xdg-open"
	}
}
