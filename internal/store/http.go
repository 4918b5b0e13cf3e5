package store

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

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"calmirror/internal/fields"
)

const (
	defaultPageSize  = 100
	defaultHandleKey = "slug"
)

// HTTPClientOptions tunes NewHTTPClient. Zero values select defaults.
type HTTPClientOptions struct {
	HTTPClient *http.Client
	// RequestsPerMinute caps outgoing requests; zero means unlimited.
	RequestsPerMinute int
	// MaxRetries bounds retries of read requests. Mutations are never
	// retried: a failed item is left for the next sync run.
	MaxRetries int
	PageSize   int
	// HandleKey is the field carrying the handle ("slug" by default).
	HandleKey string
}

// HTTPClient talks to a JSON CMS API exposing item collections:
//
//	GET    /collections/{kind}/items?offset=&limit=
//	POST   /collections/{kind}/items
//	PATCH  /collections/{kind}/items/{id}
//	DELETE /collections/{kind}/items/{id}
//	POST   /collections/{kind}/items/publish
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	pageSize   int
	handleKey  string
}

func NewHTTPClient(baseURL, token string, opts HTTPClientOptions) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   5 * time.Second,
		pageSize:   defaultPageSize,
		handleKey:  defaultHandleKey,
	}
	if opts.MaxRetries > 0 {
		c.maxRetries = opts.MaxRetries
	}
	if opts.PageSize > 0 {
		c.pageSize = opts.PageSize
	}
	if opts.HandleKey != "" {
		c.handleKey = opts.HandleKey
	}
	if opts.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return c
}

type itemPayload struct {
	ID        string         `json:"id,omitempty"`
	IsDraft   bool           `json:"isDraft"`
	FieldData map[string]any `json:"fieldData"`
}

type listResponse struct {
	Items      []itemPayload `json:"items"`
	Pagination struct {
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
		Total  int `json:"total"`
	} `json:"pagination"`
}

func (c *HTTPClient) List(ctx context.Context, kind string) ([]Record, error) {
	out := make([]Record, 0)
	offset := 0
	for {
		q := url.Values{}
		q.Set("offset", strconv.Itoa(offset))
		q.Set("limit", strconv.Itoa(c.pageSize))
		var page listResponse
		if err := c.doJSON(ctx, http.MethodGet, c.itemsPath(kind)+"?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			rec := Record{
				ID:        item.ID,
				Fields:    stringifyFields(item.FieldData),
				Published: !item.IsDraft,
			}
			rec.Handle = rec.Fields[c.handleKey]
			out = append(out, rec)
		}
		offset += len(page.Items)
		// Servers may omit pagination.total; a short page ends the listing.
		if len(page.Items) < c.pageSize || (page.Pagination.Total > 0 && offset >= page.Pagination.Total) {
			return out, nil
		}
	}
}

func (c *HTTPClient) Create(ctx context.Context, kind, handle string, fs []fields.Field) (string, error) {
	data := fieldData(fs)
	data[c.handleKey] = handle
	var created itemPayload
	err := c.doJSON(ctx, http.MethodPost, c.itemsPath(kind), itemPayload{FieldData: data}, &created)
	if dup, ok := err.(*DuplicateHandleError); ok {
		dup.Handle = handle
		return "", dup
	}
	if err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("store: create %s returned no id", handle)
	}
	return created.ID, nil
}

func (c *HTTPClient) Update(ctx context.Context, kind, id string, fs []fields.Field) error {
	return c.doJSON(ctx, http.MethodPatch, c.itemPath(kind, id), itemPayload{FieldData: fieldData(fs)}, nil)
}

func (c *HTTPClient) Delete(ctx context.Context, kind, id string) error {
	return c.doJSON(ctx, http.MethodDelete, c.itemPath(kind, id), nil, nil)
}

func (c *HTTPClient) Publish(ctx context.Context, kind, id string) error {
	body := map[string]any{"itemIds": []string{id}}
	return c.doJSON(ctx, http.MethodPost, c.itemsPath(kind)+"/publish", body, nil)
}

func (c *HTTPClient) itemsPath(kind string) string {
	return "/collections/" + url.PathEscape(kind) + "/items"
}

func (c *HTTPClient) itemPath(kind, id string) string {
	return c.itemsPath(kind) + "/" + url.PathEscape(id)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	retries := 0
	if method == http.MethodGet {
		retries = c.maxRetries
	}

	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
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
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < retries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < retries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code       string `json:"code"`
			Message    string `json:"message"`
			ExistingID string `json:"existingId"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s %s", ErrNotFound, method, requestPath)
		case http.StatusConflict:
			return &DuplicateHandleError{ExistingID: errPayload.ExistingID}
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			msg := errPayload.Message
			if msg == "" {
				msg = resp.Status
			}
			return &ValidationError{Message: msg}
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfter string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs > 0 {
		d := time.Duration(secs) * time.Second
		if d > c.maxDelay {
			return c.maxDelay
		}
		return d
	}
	d := c.baseDelay << (attempt - 1)
	if d > c.maxDelay || d <= 0 {
		return c.maxDelay
	}
	return d
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func fieldData(fs []fields.Field) map[string]any {
	out := make(map[string]any, len(fs)+1)
	for _, f := range fs {
		out[f.Key] = f.Value
	}
	return out
}

func stringifyFields(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
