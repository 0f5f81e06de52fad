package datadog

import (
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

const (
	defaultTimeout   = 60 * time.Second
	defaultPageSize  = 100
	maxRetriesOn429  = 3
	maxErrorBodySize = 1 << 20 // 1 MiB
)

// ErrUnauthorized is returned when Datadog rejects the key pair.
var ErrUnauthorized = errors.New("datadog rejected the api or application key")

type Client struct {
	BaseURL string
	APIKey  string
	AppKey  string
	HTTP    *http.Client
}

type User struct {
	ID       string
	Handle   string
	Name     string
	Status   string
	Disabled bool
	RawJSON  json.RawMessage
}

func New(baseURL, apiKey, appKey string) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	apiKey = strings.TrimSpace(apiKey)
	appKey = strings.TrimSpace(appKey)

	if base == "" {
		return nil, errors.New("datadog base URL is required")
	}
	if apiKey == "" {
		return nil, errors.New("datadog api key is required")
	}
	if appKey == "" {
		return nil, errors.New("datadog app key is required")
	}
	return &Client{
		BaseURL: base,
		APIKey:  apiKey,
		AppKey:  appKey,
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}, nil
}

// Validate checks the API key against /api/v1/validate and the application
// key with a one-item user listing.
func (c *Client) Validate(ctx context.Context) error {
	body, err := c.get(ctx, c.BaseURL+"/api/v1/validate")
	if err != nil {
		return err
	}
	var payload struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode datadog validate response: %w", err)
	}
	if !payload.Valid {
		return ErrUnauthorized
	}
	_, err = c.get(ctx, c.BaseURL+"/api/v2/users?page%5Bsize%5D=1&page%5Bnumber%5D=0")
	return err
}

// ListUsers returns one page of users. page is zero-based, as Datadog counts.
func (c *Client) ListUsers(ctx context.Context, page int) ([]User, bool, error) {
	q := url.Values{}
	q.Set("page[size]", strconv.Itoa(defaultPageSize))
	q.Set("page[number]", strconv.Itoa(page))
	body, err := c.get(ctx, c.BaseURL+"/api/v2/users?"+q.Encode())
	if err != nil {
		return nil, false, err
	}
	var payload struct {
		Data []json.RawMessage `json:"data"`
		Meta struct {
			Page struct {
				TotalCount int `json:"total_count"`
			} `json:"page"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false, err
	}
	out := make([]User, 0, len(payload.Data))
	for _, raw := range payload.Data {
		u, err := mapUser(raw)
		if err != nil {
			return nil, false, err
		}
		out = append(out, u)
	}
	hasMore := len(payload.Data) == defaultPageSize
	if total := payload.Meta.Page.TotalCount; total > 0 {
		hasMore = (page+1)*defaultPageSize < total
	}
	return out, hasMore, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetriesOn429; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("DD-API-KEY", c.APIKey)
		req.Header.Set("DD-APPLICATION-KEY", c.AppKey)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "open-connect")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = formatAPIError("datadog api rate limited", resp, body)
			if attempt == maxRetriesOn429 {
				return nil, lastErr
			}
			wait, ok := retryAfterDuration(resp.Header.Get("Retry-After"))
			if !ok {
				wait = time.Second
			}
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, formatAPIError("datadog api failed", resp, body))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, formatAPIError("datadog api failed", resp, body)
		}
		return body, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("datadog request failed")
}

func mapUser(raw json.RawMessage) (User, error) {
	var payload struct {
		ID         string `json:"id"`
		Attributes struct {
			Name     string `json:"name"`
			Handle   string `json:"handle"`
			Email    string `json:"email"`
			Status   string `json:"status"`
			Disabled *bool  `json:"disabled"`
		} `json:"attributes"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return User{}, err
	}
	u := User{
		ID:     strings.TrimSpace(payload.ID),
		Handle: strings.TrimSpace(payload.Attributes.Handle),
		Name:   strings.TrimSpace(payload.Attributes.Name),
		Status: strings.TrimSpace(payload.Attributes.Status),
	}
	if u.Handle == "" {
		u.Handle = strings.TrimSpace(payload.Attributes.Email)
	}
	if payload.Attributes.Disabled != nil {
		u.Disabled = *payload.Attributes.Disabled
	}
	if u.Status == "" {
		u.Status = "Active"
		if u.Disabled {
			u.Status = "Inactive"
		}
	}
	// Records carry only what the sync needs, not the full user document.
	sanitized, err := json.Marshal(struct {
		ID     string `json:"id"`
		Handle string `json:"handle"`
		Name   string `json:"name,omitempty"`
		Status string `json:"status"`
	}{u.ID, u.Handle, u.Name, u.Status})
	if err != nil {
		return User{}, err
	}
	u.RawJSON = sanitized
	return u, nil
}

func formatAPIError(prefix string, resp *http.Response, body []byte) error {
	message := extractAPIErrorMessage(body)
	requestID := headerAny(resp.Header, "x-request-id", "x-datadog-trace-id")
	switch {
	case message != "" && requestID != "":
		return fmt.Errorf("%s: %s: %s (request_id=%s)", prefix, resp.Status, message, requestID)
	case message != "":
		return fmt.Errorf("%s: %s: %s", prefix, resp.Status, message)
	case requestID != "":
		return fmt.Errorf("%s: %s (request_id=%s)", prefix, resp.Status, requestID)
	}
	return fmt.Errorf("%s: %s", prefix, resp.Status)
}

func extractAPIErrorMessage(body []byte) string {
	var payload struct {
		Errors  []string `json:"errors"`
		Error   string   `json:"error"`
		Message string   `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if len(payload.Errors) > 0 {
			if first := strings.TrimSpace(payload.Errors[0]); first != "" {
				return first
			}
		}
		if msg := strings.TrimSpace(payload.Error); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" || strings.HasPrefix(msg, "<!DOCTYPE html") || strings.HasPrefix(msg, "<html") {
		return ""
	}
	msg = strings.Join(strings.Fields(msg), " ")
	const maxLen = 300
	if len(msg) > maxLen {
		msg = msg[:maxLen] + "..."
	}
	return msg
}

func headerAny(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(h.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

func retryAfterDuration(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func sleep(ctx context.Context, d time.Duration) error {
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
