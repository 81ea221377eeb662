package providerhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ericfisherdev/crmsync/internal/domain/model"
	"github.com/ericfisherdev/crmsync/internal/domain/port/driven"
)

// maxErrorBody bounds how much of a failed response is kept for diagnostics.
const maxErrorBody = 2048

// API issues authenticated JSON requests against one provider's REST API.
type API struct {
	Provider model.Provider
	BaseURL  string
	Clients  ClientSource
}

// Request describes one API call. Path may be an absolute URL, as returned
// by providers in pagination links.
type Request struct {
	Op      string
	Method  string
	Path    string
	Query   url.Values
	Body    any
	Headers map[string]string
}

// Do performs req for the account with accessToken and decodes a JSON
// response into out when out is non-nil. Any non-2xx status or undecodable
// body is returned as a *driven.ProviderAPIError.
func (a API) Do(ctx context.Context, accountID, accessToken string, req Request, out any) (http.Header, error) {
	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = strings.TrimRight(a.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	}
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, a.apiErr(req.Op, 0, "", fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, a.apiErr(req.Op, 0, "", fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.Clients.Client(a.Provider, accountID).Do(httpReq)
	if err != nil {
		return nil, a.apiErr(req.Op, 0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.Header, a.apiErr(req.Op, resp.StatusCode, strings.TrimSpace(string(snippet)), nil)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.Header, a.apiErr(req.Op, resp.StatusCode, "", fmt.Errorf("decode response: %w", err))
		}
	}
	return resp.Header, nil
}

func (a API) apiErr(op string, status int, body string, err error) error {
	return &driven.ProviderAPIError{Provider: a.Provider, Op: op, Status: status, Body: body, Err: err}
}

// IsNotFound reports whether err is a provider 404 or 410.
func IsNotFound(err error) bool {
	var apiErr *driven.ProviderAPIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusGone
}
