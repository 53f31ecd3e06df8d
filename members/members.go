// Package members fetches group membership pages from the meetup internal API.
package members

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"meetup-messager/pkg/outreach"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the meetup host serving the mu_api endpoint.
const DefaultBaseURL = "https://www.meetup.com"

const (
	membersPath = "/mu_api/urlname/members"

	// The API's page size; a shorter page is the last one.
	DefaultPageSize = 30
)

// ErrUnexpectedShape is returned when the response lacks responses[0].value.value.
var ErrUnexpectedShape = errors.New("unexpected members response shape")

// HTTPStatusError indicates a non-2xx response from the members API.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsHTTPStatusError checks if an error is an HTTP status error.
func IsHTTPStatusError(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr)
}

// Config holds client settings.
type Config struct {
	BaseURL           string
	PageSize          int
	Pause             time.Duration // Pause between pages during full enumeration
	RequestsPerSecond float64       // Hard cap on request rate, 0 disables
	Timeout           time.Duration
	IncludeOrganizers bool
	Sleep             outreach.Sleeper
}

// Client fetches membership pages.
type Client struct {
	http              *resty.Client
	logger            *slog.Logger
	pageSize          int
	pause             time.Duration
	includeOrganizers bool
	sleep             outreach.Sleeper
}

// New creates a new members client.
func New(cfg *Config, logger *slog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = outreach.Sleep
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(baseURL)
	httpClient.SetTimeout(timeout)
	httpClient.SetHeader("user-agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	httpClient.SetHeader("accept", "application/json")

	if cfg.RequestsPerSecond > 0 {
		limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
		httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return limiter.Wait(req.Context())
		})
	}

	return &Client{
		http:              httpClient,
		logger:            logger,
		pageSize:          pageSize,
		pause:             cfg.Pause,
		includeOrganizers: cfg.IncludeOrganizers,
		sleep:             sleep,
	}
}

// PageSize returns the page size the client treats as a full page.
func (c *Client) PageSize() int {
	return c.pageSize
}

// membersQuery renders the rison-style query the mu_api endpoint expects.
func membersQuery(group string, page int) string {
	return fmt.Sprintf(
		"(endpoint:groups/%[1]s/members,list:(dynamicRef:list_groupMembers_%[1]s_all,merge:(isReverse:!f)),meta:(method:get),params:(filter:all,page:%[2]d),ref:groupMembers_%[1]s_all)",
		group, page)
}

// FetchPage fetches a single page of group members.
func (c *Client) FetchPage(ctx context.Context, group string, page int) (*outreach.Page, error) {
	records, err := c.fetch(ctx, group, page)
	if err != nil {
		return nil, err
	}

	users := make([]outreach.User, 0, len(records))
	for _, r := range records {
		if r.Role != "" && !c.includeOrganizers {
			continue
		}
		users = append(users, outreach.User{ID: string(r.ID), Name: r.Name})
	}

	c.logger.Info("Got members", "group", group, "page", page, "raw", len(records), "users", len(users))

	return &outreach.Page{Number: page, Users: users, Raw: len(records)}, nil
}

// FetchAll enumerates every member id of group, starting at page 0 and stopping at
// the first page holding fewer records than the page size. Roles are ignored.
func (c *Client) FetchAll(ctx context.Context, group string) (outreach.IDSet, error) {
	c.logger.Info("Getting user ids of group", "group", group)

	ids := outreach.NewIDSet()
	for page := 0; ; page++ {
		records, err := c.fetch(ctx, group, page)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			ids.Add(string(r.ID))
		}
		if len(records) < c.pageSize {
			break
		}
		if err := c.sleep(ctx, c.pause); err != nil {
			return nil, err
		}
	}

	c.logger.Info("Collected group user ids", "group", group, "count", ids.Len())
	return ids, nil
}

func (c *Client) fetch(ctx context.Context, group string, page int) ([]record, error) {
	c.logger.Info("Fetching members page", "group", group, "page", page)

	startTime := time.Now()
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("queries", membersQuery(group, page)).
		Get(membersPath)
	duration := time.Since(startTime)
	if err != nil {
		return nil, fmt.Errorf("fetch members page %d of %s: %w", page, group, err)
	}

	c.logger.Debug("Members API request completed",
		"group", group,
		"page", page,
		"status_code", res.StatusCode(),
		"duration_ms", duration.Milliseconds())

	if !res.IsSuccess() {
		return nil, &HTTPStatusError{URL: res.Request.URL, StatusCode: res.StatusCode()}
	}

	records, err := decodeMembers(res.Body())
	if err != nil {
		return nil, fmt.Errorf("decode members page %d of %s: %w", page, group, err)
	}
	return records, nil
}

type record struct {
	ID   flexString `json:"id"`
	Name string     `json:"name"`
	Role string     `json:"role"`
}

type membersResponse struct {
	Responses []struct {
		Value *struct {
			Value *[]record `json:"value"`
		} `json:"value"`
	} `json:"responses"`
}

func decodeMembers(body []byte) ([]record, error) {
	var resp membersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if len(resp.Responses) == 0 || resp.Responses[0].Value == nil || resp.Responses[0].Value.Value == nil {
		return nil, ErrUnexpectedShape
	}
	return *resp.Responses[0].Value.Value, nil
}

// flexString accepts both JSON strings and numbers.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("member id: %w", err)
	}
	*s = flexString(n.String())
	return nil
}
