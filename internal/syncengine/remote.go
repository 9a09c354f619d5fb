package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrRemoteUnavailable covers transport failures, timeouts, and
	// exhausted retries against 5xx/429 responses.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrRemoteRejected covers definitive 4xx answers, e.g. validation
	// failures, which retrying will not fix.
	ErrRemoteRejected = errors.New("remote rejected")
)

// RemoteError carries the terminal HTTP status of a failed remote call and
// classifies itself as unavailable or rejected via errors.Is.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote http %d: %s", e.StatusCode, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrRemoteUnavailable:
		return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	case ErrRemoteRejected:
		return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// RemoteRecord is the remote authority's view of one entity. Only the
// fields the server is authoritative for are merged back into local state.
type RemoteRecord struct {
	RemoteID  string          `json:"id"`
	Kind      string          `json:"kind,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt,omitempty"`
	Fields    json.RawMessage `json:"fields,omitempty"`
}

// RemoteClient is the consumed contract of the remote authority. All
// methods return errors classified by ErrRemoteUnavailable/ErrRemoteRejected
// and never panic into the engine.
type RemoteClient interface {
	Create(ctx context.Context, collection string, entity Entity) (RemoteRecord, error)
	Update(ctx context.Context, collection, remoteID string, fields json.RawMessage) (RemoteRecord, error)
	Delete(ctx context.Context, collection, remoteID string) error
	List(ctx context.Context, collection string) ([]RemoteRecord, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:9090"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) Create(ctx context.Context, collection string, entity Entity) (RemoteRecord, error) {
	body := map[string]any{
		"localId": entity.LocalID,
		"kind":    entity.Kind,
		"fields":  entity.Fields,
	}
	var out RemoteRecord
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/collections/%s/entities", url.PathEscape(collection)), body, &out)
	return out, err
}

func (c *HTTPClient) Update(ctx context.Context, collection, remoteID string, fields json.RawMessage) (RemoteRecord, error) {
	body := map[string]any{
		"fields": fields,
	}
	var out RemoteRecord
	err := c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/v1/collections/%s/entities/%s", url.PathEscape(collection), url.PathEscape(remoteID)), body, &out)
	return out, err
}

func (c *HTTPClient) Delete(ctx context.Context, collection, remoteID string) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/v1/collections/%s/entities/%s", url.PathEscape(collection), url.PathEscape(remoteID)), nil, nil)
}

func (c *HTTPClient) List(ctx context.Context, collection string) ([]RemoteRecord, error) {
	var out struct {
		Items []RemoteRecord `json:"items"`
	}
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/collections/%s/entities", url.PathEscape(collection)), nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
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
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return &RemoteError{StatusCode: 0, Message: ctx.Err().Error()}
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return &RemoteError{StatusCode: 0, Message: waitErr.Error()}
				}
				continue
			}
			return &RemoteError{StatusCode: 0, Message: err.Error()}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &RemoteError{StatusCode: 0, Message: readErr.Error()}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return &RemoteError{StatusCode: 0, Message: waitErr.Error()}
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &RemoteError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
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
