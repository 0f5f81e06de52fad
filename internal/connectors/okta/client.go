package okta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/okta/okta-sdk-golang/v6/okta"
)

const pageLimit = 200

// ErrUnauthorized is returned when Okta rejects the API token.
var ErrUnauthorized = errors.New("okta rejected the api token")

type User struct {
	ID          string
	Email       string
	DisplayName string
	Status      string
	LastUpdated *time.Time
	RawJSON     []byte
}

// Directory is the slice of the Okta API the connector uses.
type Directory interface {
	// Ping makes the cheapest authenticated call there is.
	Ping(ctx context.Context) error
	// ListUsersUpdatedSince calls fn with each page of users updated after
	// since, oldest first. A zero since lists everyone.
	ListUsersUpdatedSince(ctx context.Context, since time.Time, fn func([]User) error) error
}

type Client struct {
	BaseURL string
	api     *sdk.APIClient
}

func New(baseURL, token string) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	token = strings.TrimSpace(token)
	if base == "" {
		return nil, errors.New("okta base URL is required")
	}
	if token == "" {
		return nil, errors.New("okta token is required")
	}
	cfg, err := sdk.NewConfiguration(
		sdk.WithOrgUrl(base),
		sdk.WithToken(token),
		sdk.WithCache(false),
		sdk.WithRequestTimeout(60),
		sdk.WithRateLimitMaxBackOff(30),
		sdk.WithRateLimitMaxRetries(4),
	)
	if err != nil {
		return nil, fmt.Errorf("okta sdk config: %w", err)
	}
	return &Client{BaseURL: base, api: sdk.NewAPIClient(cfg)}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, resp, err := c.api.UserAPI.ListUsers(ctx).Limit(1).Execute()
	return formatOktaError(err, resp)
}

func (c *Client) ListUsersUpdatedSince(ctx context.Context, since time.Time, fn func([]User) error) error {
	req := c.api.UserAPI.ListUsers(ctx).
		Limit(pageLimit).
		SortBy("lastUpdated").
		SortOrder("asc")
	if !since.IsZero() {
		req = req.Search(fmt.Sprintf(`lastUpdated gt "%s"`, since.UTC().Format("2006-01-02T15:04:05.000Z")))
	}
	users, resp, err := req.Execute()
	if err != nil {
		return formatOktaError(err, resp)
	}
	for {
		page := make([]User, 0, len(users))
		for _, u := range users {
			mapped, err := mapOktaUser(u)
			if err != nil {
				return err
			}
			page = append(page, mapped)
		}
		if err := fn(page); err != nil {
			return err
		}
		if resp == nil || !resp.HasNextPage() {
			return nil
		}
		var next []sdk.User
		resp, err = resp.Next(&next)
		if err != nil {
			return formatOktaError(err, resp)
		}
		users = next
	}
}

func mapOktaUser(u sdk.User) (User, error) {
	var email, login, display, first, last string
	if profile := u.Profile; profile != nil {
		email = profile.GetEmail()
		login = profile.GetLogin()
		display = profile.GetDisplayName()
		first = profile.GetFirstName()
		last = profile.GetLastName()
	}
	if email == "" {
		email = login
	}
	if display == "" {
		display = strings.TrimSpace(first + " " + last)
	}
	out := User{
		ID:          u.GetId(),
		Email:       email,
		DisplayName: display,
		Status:      u.GetStatus(),
	}
	if t, ok := u.GetLastUpdatedOk(); ok && t != nil && !t.IsZero() {
		out.LastUpdated = t
	}
	raw, err := json.Marshal(map[string]any{
		"id":           out.ID,
		"email":        out.Email,
		"display_name": out.DisplayName,
		"status":       out.Status,
		"last_updated": out.LastUpdated,
	})
	if err != nil {
		return User{}, err
	}
	out.RawJSON = raw
	return out, nil
}

func formatOktaError(err error, resp *sdk.APIResponse) error {
	if err == nil {
		return nil
	}
	status := ""
	statusCode := 0
	if resp != nil && resp.Response != nil {
		status = resp.Response.Status
		statusCode = resp.Response.StatusCode
	}
	wrap := func(msg string) error {
		if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
		}
		return errors.New(msg)
	}
	var apiErr *sdk.GenericOpenAPIError
	if errors.As(err, &apiErr) {
		summary := ""
		switch v := apiErr.Model().(type) {
		case sdk.Error:
			summary = strings.TrimSpace(v.GetErrorSummary())
		case *sdk.Error:
			summary = strings.TrimSpace(v.GetErrorSummary())
		}
		if summary == "" {
			summary = strings.TrimSpace(string(apiErr.Body()))
			const maxBody = 4096
			if len(summary) > maxBody {
				summary = summary[:maxBody] + fmt.Sprintf("... (truncated, %d bytes)", len(summary))
			}
		}
		if summary != "" {
			if status != "" {
				return wrap(fmt.Sprintf("okta api error: %s: %s", status, summary))
			}
			return wrap("okta api error: " + summary)
		}
	}
	if status != "" {
		return wrap(fmt.Sprintf("okta api error: %s: %v", status, err))
	}
	return err
}
