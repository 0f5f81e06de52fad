package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 60 * time.Second
const maxRetries = 3

const maxRetryAfter = 30 * time.Second

// ErrUnauthorized is returned when GitHub rejects the access token.
var ErrUnauthorized = errors.New("github rejected the access token")

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

type User struct {
	ID      int64  `json:"id"`
	Login   string `json:"login"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Type    string `json:"type"`
	RawJSON []byte `json:"-"`
}

type Repository struct {
	ID            int64
	Name          string
	FullName      string
	Private       bool
	Archived      bool
	DefaultBranch string
	UpdatedAtRaw  string
	RawJSON       []byte
}

type Installation struct {
	ID           int64
	AppSlug      string
	AccountLogin string
	AccountType  string
	RawJSON      []byte
}

// New creates a new GitHub client. It validates that both baseURL and token are provided.
func New(baseURL, token string) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	token = strings.TrimSpace(token)

	if base == "" {
		return nil, errors.New("github base URL is required")
	}
	if token == "" {
		return nil, errors.New("github token is required")
	}

	return &Client{
		BaseURL: base,
		Token:   token,
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return &http.Client{Timeout: defaultTimeout}
	}
	if c.HTTP.Timeout > 0 {
		return c.HTTP
	}
	copy := *c.HTTP
	copy.Timeout = defaultTimeout
	return &copy
}

// GetAuthenticatedUser returns the user the token belongs to.
func (c *Client) GetAuthenticatedUser(ctx context.Context) (User, error) {
	reqURL := c.BaseURL + "/user"
	resp, err := c.do(ctx, http.MethodGet, reqURL, nil, c.bearer)
	if err != nil {
		return User{}, err
	}
	body, err := readBody(resp)
	if err != nil {
		return User{}, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return User{}, fmt.Errorf("%w: %s", ErrUnauthorized, extractGitHubAPIErrorMessage(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return User{}, formatGitHubAPIError("github get user failed", reqURL, resp, body)
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return User{}, err
	}
	u.RawJSON = body
	return u, nil
}

// ListRepos returns one page of repositories the user can access.
func (c *Client) ListRepos(ctx context.Context, page int) ([]Repository, bool, error) {
	reqURL := fmt.Sprintf("%s/user/repos?per_page=100&sort=full_name&page=%d", c.BaseURL, max(page, 1))
	rawItems, hasMore, err := c.getRawPage(ctx, reqURL, "")
	if err != nil {
		return nil, false, err
	}
	out := make([]Repository, 0, len(rawItems))
	for _, raw := range rawItems {
		var repo struct {
			ID            int64  `json:"id"`
			Name          string `json:"name"`
			FullName      string `json:"full_name"`
			Private       bool   `json:"private"`
			Archived      bool   `json:"archived"`
			DefaultBranch string `json:"default_branch"`
			UpdatedAtRaw  string `json:"updated_at"`
		}
		if err := json.Unmarshal(raw, &repo); err != nil {
			return nil, false, err
		}
		out = append(out, Repository{
			ID:            repo.ID,
			Name:          repo.Name,
			FullName:      repo.FullName,
			Private:       repo.Private,
			Archived:      repo.Archived,
			DefaultBranch: repo.DefaultBranch,
			UpdatedAtRaw:  repo.UpdatedAtRaw,
			RawJSON:       raw,
		})
	}
	return out, hasMore, nil
}

// ListInstallations returns one page of app installations the user can
// access.
func (c *Client) ListInstallations(ctx context.Context, page int) ([]Installation, bool, error) {
	reqURL := fmt.Sprintf("%s/user/installations?per_page=100&page=%d", c.BaseURL, max(page, 1))
	rawItems, hasMore, err := c.getRawPage(ctx, reqURL, "installations")
	if err != nil {
		return nil, false, err
	}
	out := make([]Installation, 0, len(rawItems))
	for _, raw := range rawItems {
		var inst struct {
			ID      int64  `json:"id"`
			AppSlug string `json:"app_slug"`
			Account struct {
				Login string `json:"login"`
				Type  string `json:"type"`
			} `json:"account"`
		}
		if err := json.Unmarshal(raw, &inst); err != nil {
			return nil, false, err
		}
		out = append(out, Installation{
			ID:           inst.ID,
			AppSlug:      inst.AppSlug,
			AccountLogin: inst.Account.Login,
			AccountType:  inst.Account.Type,
			RawJSON:      raw,
		})
	}
	return out, hasMore, nil
}

// RevokeGrant deletes the OAuth app's grant for the token's user. It
// authenticates as the OAuth app, not with the user token.
func (c *Client) RevokeGrant(ctx context.Context, clientID, clientSecret string) error {
	reqURL := fmt.Sprintf("%s/applications/%s/grant", c.BaseURL, url.PathEscape(clientID))
	payload, err := json.Marshal(map[string]string{"access_token": c.Token})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodDelete, reqURL, payload, func(r *http.Request) {
		r.SetBasicAuth(clientID, clientSecret)
	})
	if err != nil {
		return err
	}
	body, err := readBody(resp)
	if err != nil {
		return err
	}
	// 404 means the grant is already gone.
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return formatGitHubAPIError("github revoke grant failed", reqURL, resp, body)
}

// getRawPage fetches a list page. envelope names the array field for
// endpoints that wrap their items in an object.
func (c *Client) getRawPage(ctx context.Context, reqURL, envelope string) ([]json.RawMessage, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, reqURL, nil, c.bearer)
	if err != nil {
		return nil, false, err
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, false, fmt.Errorf("%w: %s", ErrUnauthorized, extractGitHubAPIErrorMessage(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, formatGitHubAPIError("github api failed", reqURL, resp, body)
	}
	var items []json.RawMessage
	if envelope == "" {
		err = json.Unmarshal(body, &items)
	} else {
		var wrapped map[string]json.RawMessage
		if err = json.Unmarshal(body, &wrapped); err == nil && len(wrapped[envelope]) > 0 {
			err = json.Unmarshal(wrapped[envelope], &items)
		}
	}
	if err != nil {
		return nil, false, err
	}
	return items, parseNextLink(resp.Header.Get("Link")) != "", nil
}

func (c *Client) bearer(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+c.Token)
}

func (c *Client) do(ctx context.Context, method, reqURL string, body []byte, auth func(*http.Request)) (*http.Response, error) {
	httpClient := c.httpClient()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return nil, err
		}
		auth(req)
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		req.Header.Set("User-Agent", "open-connect")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries && shouldRetryError(ctx, err) {
				if err := sleepWithContext(ctx, backoffDelay(attempt)); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		if attempt < maxRetries && shouldRetryStatus(resp) {
			delay := retryDelay(resp, attempt)
			drainAndClose(resp.Body)
			if err := sleepWithContext(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}
		return resp, nil
	}
	return nil, errors.New("github request failed after retries")
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}

func formatGitHubAPIError(prefix, reqURL string, resp *http.Response, body []byte) error {
	message := extractGitHubAPIErrorMessage(body)
	details := formatGitHubAPIErrorDetails(reqURL, resp)

	if message != "" && details != "" {
		return fmt.Errorf("%s: %s: %s (%s)", prefix, resp.Status, message, details)
	}
	if message != "" {
		return fmt.Errorf("%s: %s: %s", prefix, resp.Status, message)
	}
	if details != "" {
		return fmt.Errorf("%s: %s (%s)", prefix, resp.Status, details)
	}
	return fmt.Errorf("%s: %s", prefix, resp.Status)
}

func extractGitHubAPIErrorMessage(body []byte) string {
	var payload struct {
		Message          string `json:"message"`
		DocumentationURL string `json:"documentation_url"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		if payload.DocumentationURL != "" {
			return fmt.Sprintf("%s (docs: %s)", payload.Message, payload.DocumentationURL)
		}
		return payload.Message
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return ""
	}
	// HTML error pages usually mean a misconfigured base URL.
	if strings.HasPrefix(msg, "<!DOCTYPE html") || strings.HasPrefix(msg, "<html") {
		return ""
	}
	msg = strings.Join(strings.Fields(msg), " ")
	const maxLen = 300
	if len(msg) > maxLen {
		msg = msg[:maxLen] + "..."
	}
	return msg
}

func formatGitHubAPIErrorDetails(reqURL string, resp *http.Response) string {
	var parts []string

	if v := safeGitHubURL(reqURL); v != "" {
		parts = append(parts, "url="+v)
	}
	if v := resp.Header.Get("X-GitHub-Request-Id"); v != "" {
		parts = append(parts, "request_id="+v)
	}
	if v := resp.Header.Get("X-OAuth-Scopes"); v != "" {
		parts = append(parts, "oauth_scopes="+v)
	}
	if v := resp.Header.Get("X-Accepted-OAuth-Scopes"); v != "" {
		parts = append(parts, "accepted_scopes="+v)
	}
	if v := resp.Header.Get("X-RateLimit-Remaining"); v != "" {
		parts = append(parts, "rate_remaining="+v)
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		parts = append(parts, "retry_after="+v)
	}
	return strings.Join(parts, ", ")
}

func safeGitHubURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.RawQuery != "" {
		return u.Scheme + "://" + u.Host + u.Path + "?" + u.RawQuery
	}
	return u.Scheme + "://" + u.Host + u.Path
}

func parseNextLink(linkHeader string) string {
	if linkHeader == "" {
		return ""
	}
	for part := range strings.SplitSeq(linkHeader, ",") {
		if !strings.Contains(part, "rel=\"next\"") {
			continue
		}
		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start >= 0 && end > start {
			return strings.TrimSpace(part[start+1 : end])
		}
	}
	return ""
}

func shouldRetryStatus(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func shouldRetryError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func retryDelay(resp *http.Response, attempt int) time.Duration {
	if d := retryAfter(resp); d > 0 {
		return d
	}
	return backoffDelay(attempt)
}

func retryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return min(time.Duration(secs)*time.Second, maxRetryAfter)
	}
	if t, err := http.ParseTime(v); err == nil {
		return min(max(time.Until(t), 0), maxRetryAfter)
	}
	return 0
}

func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}
	d := 200 * time.Millisecond
	for range attempt {
		d *= 2
		if d >= 5*time.Second {
			return 5 * time.Second
		}
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
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

func drainAndClose(r io.ReadCloser) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 1<<20))
	_ = r.Close()
}
