package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Client is the remote persistence façade used by the staging services.
type Client interface {
	GetTab(ctx context.Context, spaceID, key string) (TabFile, error)
	PutTab(ctx context.Context, spaceID, key string, env SignedEnvelope) error
	DeleteTab(ctx context.Context, spaceID, key string, env SignedEnvelope) error
	GetOrder(ctx context.Context, spaceID string) (TabOrder, error)
	PutOrder(ctx context.Context, spaceID string, env SignedEnvelope) error
	RegisterSpace(ctx context.Context, env SignedEnvelope) (SpaceRegistration, error)
	GetNavigationConfig(ctx context.Context, communityID string) (json.RawMessage, error)
	PutNavigationConfig(ctx context.Context, env SignedEnvelope) error
}

type HTTPClientOptions struct {
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL string, opts HTTPClientOptions) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8090"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func tabPath(spaceID, key string) string {
	return fmt.Sprintf("/v1/spaces/%s/tabs/%s", url.PathEscape(spaceID), url.PathEscape(key))
}

func (c *HTTPClient) GetTab(ctx context.Context, spaceID, key string) (TabFile, error) {
	var env SignedEnvelope
	if err := c.doJSON(ctx, http.MethodGet, tabPath(spaceID, key), nil, &env); err != nil {
		return TabFile{}, err
	}
	if err := ValidateTabFile(env.Payload); err != nil {
		return TabFile{}, err
	}
	var file TabFile
	if err := DecodePayload(env, &file); err != nil {
		return TabFile{}, &PayloadError{Kind: "tab", Err: err}
	}
	return file, nil
}

func (c *HTTPClient) PutTab(ctx context.Context, spaceID, key string, env SignedEnvelope) error {
	return c.doJSON(ctx, http.MethodPut, tabPath(spaceID, key), env, nil)
}

func (c *HTTPClient) DeleteTab(ctx context.Context, spaceID, key string, env SignedEnvelope) error {
	return c.doJSON(ctx, http.MethodDelete, tabPath(spaceID, key), env, nil)
}

func (c *HTTPClient) GetOrder(ctx context.Context, spaceID string) (TabOrder, error) {
	var env SignedEnvelope
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/spaces/%s/order", url.PathEscape(spaceID)), nil, &env); err != nil {
		return TabOrder{}, err
	}
	var order TabOrder
	if err := DecodePayload(env, &order); err != nil {
		return TabOrder{}, &PayloadError{Kind: "order", Err: err}
	}
	return order, nil
}

func (c *HTTPClient) PutOrder(ctx context.Context, spaceID string, env SignedEnvelope) error {
	return c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/v1/spaces/%s/order", url.PathEscape(spaceID)), env, nil)
}

// RegisterSpace posts a space registration. Registrations naming a
// navigation item carry an Idempotency-Key so they can be retried without
// creating a second space.
func (c *HTTPClient) RegisterSpace(ctx context.Context, env SignedEnvelope) (SpaceRegistration, error) {
	var req SpaceRegistrationRequest
	key := ""
	if err := DecodePayload(env, &req); err == nil && strings.TrimSpace(req.NavItemID) != "" {
		key = "space-registration:" + req.CommunityID + ":" + req.NavItemID
	}
	var out SpaceRegistration
	if err := c.do(ctx, http.MethodPost, "/v1/spaces", key, env, &out); err != nil {
		return SpaceRegistration{}, err
	}
	if strings.TrimSpace(out.SpaceID) == "" {
		return SpaceRegistration{}, &PayloadError{Kind: "space registration", Err: fmt.Errorf("missing spaceId")}
	}
	return out, nil
}

func (c *HTTPClient) GetNavigationConfig(ctx context.Context, communityID string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/v1/navigation/"+url.PathEscape(communityID), nil, &raw); err != nil {
		return nil, err
	}
	if err := ValidateNavigationConfig(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *HTTPClient) PutNavigationConfig(ctx context.Context, env SignedEnvelope) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/navigation", env, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	return c.do(ctx, method, requestPath, "", body, out)
}

// do sends one request with retries. POST is only retried when the request
// carries an idempotency key.
func (c *HTTPClient) do(ctx context.Context, method, requestPath, idempotencyKey string, body any, out any) error {
	retryable := method != http.MethodPost || idempotencyKey != ""
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if retryable && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &NetworkError{Op: method + " " + requestPath, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &NetworkError{Op: method + " " + requestPath, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil {
				return nil
			}
			if looksLikeHTML(payloadBytes) {
				return &HTTPError{StatusCode: resp.StatusCode, HTML: true}
			}
			if len(payloadBytes) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return &PayloadError{Kind: "response", Err: err}
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && retryable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		if looksLikeHTML(payloadBytes) {
			return &HTTPError{StatusCode: resp.StatusCode, HTML: true}
		}
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func looksLikeHTML(body []byte) bool {
	trimmed := bytes.ToLower(bytes.TrimSpace(body))
	return bytes.HasPrefix(trimmed, []byte("<!doctype")) || bytes.HasPrefix(trimmed, []byte("<html"))
}

func correlationID() string {
	return "stage_" + ulid.Make().String()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
