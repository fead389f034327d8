package ecoshop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// restClient is the shared HTTP transport for the self-hosted backend.
// Every JSON response is expected in the uniform success/data/error
// envelope; transport failures surface as NETWORK_ERROR and flow through
// the circuit breaker so a dead backend fails fast.
type restClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *CircuitBreaker
}

func newRESTClient(cfg SelfHostedConfig) *restClient {
	return &restClient{
		baseURL: strings.TrimSuffix(cfg.APIURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.timeout()},
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}
}

func (c *restClient) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*http.Request, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, WrapError(CodeQuery, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// doJSON performs one request with an optional JSON body and unwraps the
// response envelope into dest.
func (c *restClient) doJSON(ctx context.Context, method, path string, query url.Values, body, dest interface{}) error {
	return c.breaker.Execute(func() error {
		var reader io.Reader
		contentType := ""
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return WrapError(CodeValidation, "request body is not serializable", err)
			}
			reader = bytes.NewReader(encoded)
			contentType = "application/json"
		}

		req, err := c.newRequest(ctx, method, path, query, reader, contentType)
		if err != nil {
			return err
		}
		return c.execute(req, dest)
	})
}

// doBytes uploads a raw payload and unwraps the response envelope.
func (c *restClient) doBytes(ctx context.Context, method, path string, query url.Values, payload []byte, contentType string, dest interface{}) error {
	return c.breaker.Execute(func() error {
		req, err := c.newRequest(ctx, method, path, query, bytes.NewReader(payload), contentType)
		if err != nil {
			return err
		}
		return c.execute(req, dest)
	})
}

// doRaw performs a request whose successful response is a raw byte stream
// (file downloads); error responses still arrive as envelopes.
func (c *restClient) doRaw(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	var out []byte
	err := c.breaker.Execute(func() error {
		req, err := c.newRequest(ctx, method, path, query, nil, "")
		if err != nil {
			return err
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return WrapError(CodeCancelled, "request aborted", ctx.Err())
			}
			return WrapError(CodeNetwork, "request failed", err)
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return WrapError(CodeNetwork, "failed to read response", err)
		}
		if resp.StatusCode >= 400 {
			var envelope Response[json.RawMessage]
			if json.Unmarshal(payload, &envelope) == nil && envelope.Error != nil {
				if resp.StatusCode == http.StatusNotFound {
					return NewError(CodeNotFound, envelope.Error.Message)
				}
				return envelope.Err()
			}
			return statusError(resp.StatusCode, nil)
		}

		out = payload
		return nil
	})
	return out, err
}

func (c *restClient) execute(req *http.Request, dest interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return WrapError(CodeCancelled, "request aborted", req.Context().Err())
		}
		return WrapError(CodeNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return WrapError(CodeNetwork, "failed to read response", err)
	}

	var envelope Response[json.RawMessage]
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return statusError(resp.StatusCode, err)
	}
	if !envelope.Success {
		if envelope.Error != nil && resp.StatusCode == http.StatusNotFound {
			return NewError(CodeNotFound, envelope.Error.Message)
		}
		return envelope.Err()
	}

	if dest == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return WrapError(CodeQuery, "failed to decode response data", err)
	}
	return nil
}

// postJSON is the plain JSON POST helper for third-party auth endpoints
// that do not speak the envelope format.
func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, body, dest interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return WrapError(CodeValidation, "request body is not serializable", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return WrapError(CodeInvalidConfig, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return WrapError(CodeCancelled, "request aborted", ctx.Err())
		}
		return WrapError(CodeNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return WrapError(CodeNetwork, "failed to read response", err)
	}
	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden ||
			resp.StatusCode == http.StatusBadRequest {
			return NewError(CodeUnauthorized, "authentication rejected")
		}
		return statusError(resp.StatusCode, nil)
	}

	if dest == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return WrapError(CodeQuery, "failed to decode response", err)
	}
	return nil
}

// statusError maps a non-envelope HTTP response to a provider error.
func statusError(status int, cause error) error {
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(CodeUnauthorized, "request rejected by backend")
	case status >= 500:
		return WrapError(CodeNetwork, fmt.Sprintf("backend returned status %d", status), cause)
	default:
		return WrapError(CodeQuery, fmt.Sprintf("unexpected response (status %d)", status), cause)
	}
}
