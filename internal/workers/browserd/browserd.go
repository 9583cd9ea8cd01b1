// Package browserd adapts the browser-automation sidecar's local HTTP API to
// the policy engine's Worker interface. The sidecar drives the actual
// browser; this client only asks it questions and parses what comes back.
//
// The sidecar exposes three endpoints:
//
//	GET /v1/exists?account=ID
//	GET /v1/profile?account=ID
//	GET /v1/list?account=ID&kind=following|followers[&cursor=...]
package browserd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"socialgraph-backend/internal/graph"
	"socialgraph-backend/internal/policy"
	"socialgraph-backend/lib/restyutil"
	"socialgraph-backend/lib/textutil"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("browserd")

// Notices the platform renders on gone accounts. Matching is folded so the
// typographic apostrophes the platform actually serves still match.
var defaultGoneMessages = []string{
	"this account doesn't exist",
	"account suspended",
	"user not found",
}

type Client struct {
	http *resty.Client
	gone []string
}

var _ policy.Worker = (*Client)(nil)

type Option func(*Client)

// WithGoneMessages replaces the notice phrases treated as a definitive
// deleted/suspended verdict.
func WithGoneMessages(messages ...string) Option {
	return func(c *Client) {
		c.gone = messages
	}
}

// WithTimeout bounds each sidecar request. Browser navigation is slow, the
// default is generous.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(2 * time.Minute).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(res *resty.Response, err error) bool {
			return err != nil || res.StatusCode() >= 500
		})
	restyutil.InstrumentClient(http, tracer)

	c := &Client{
		http: http,
		gone: defaultGoneMessages,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type existsResponse struct {
	// Found reports whether the sidecar rendered a profile at all.
	Found bool `json:"found"`
	// Notice is the on-page message shown instead of a profile, if any.
	Notice string `json:"notice"`
}

// CheckExists probes the account's profile page. Only a recognized gone
// notice yields a definitive not-exists verdict; anything ambiguous is
// reported as assumed-existing so an outage never marks accounts deleted.
func (c *Client) CheckExists(ctx context.Context, id string) (policy.Existence, error) {
	ctx, span := tracer.Start(ctx, "CheckExists")
	defer span.End()

	var body existsResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("account", id).
		SetResult(&body).
		Get("/v1/exists")
	if err != nil {
		return policy.Existence{}, fmt.Errorf("probe account %q: %w", id, err)
	}
	if res.IsError() {
		return policy.Existence{}, fmt.Errorf("probe account %q: status %d", id, res.StatusCode())
	}

	if body.Found {
		return policy.Existence{Exists: true, Confidence: policy.Definitive}, nil
	}
	if textutil.ContainsFolded(body.Notice, c.gone) {
		return policy.Existence{Exists: false, Confidence: policy.Definitive}, nil
	}
	// no profile but no recognized notice either, could be a rate-limit
	// interstitial or a new message variant
	return policy.Existence{Exists: false, Confidence: policy.Assumed}, nil
}

type profileResponse struct {
	AccountID string `json:"account_id"`
	HTML      string `json:"html"`
}

// FetchProfile retrieves and parses the profile header fragment.
func (c *Client) FetchProfile(ctx context.Context, id string) (policy.Profile, error) {
	ctx, span := tracer.Start(ctx, "FetchProfile")
	defer span.End()

	var body profileResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("account", id).
		SetResult(&body).
		Get("/v1/profile")
	if err != nil {
		return policy.Profile{}, fmt.Errorf("fetch profile %q: %w", id, err)
	}
	if res.IsError() {
		return policy.Profile{}, fmt.Errorf("fetch profile %q: status %d", id, res.StatusCode())
	}

	profile, err := parseProfileFragment(body.HTML)
	if err != nil {
		return policy.Profile{}, fmt.Errorf("parse profile %q: %w", id, err)
	}
	profile.AccountID = body.AccountID
	return profile, nil
}

type listMemberJSON struct {
	AccountID   string  `json:"account_id"`
	Username    string  `json:"username"`
	DisplayName *string `json:"display_name"`
}

type listResponse struct {
	Members      []listMemberJSON `json:"members"`
	ClaimedTotal *json.Number     `json:"claimed_total"`
	NextCursor   string           `json:"next_cursor"`
}

// FetchList enumerates one relationship list, following the sidecar's
// pagination cursor until exhausted. A mid-pagination failure returns an
// error rather than a silently truncated capture.
func (c *Client) FetchList(ctx context.Context, id string, kind graph.ListKind) (policy.ListCapture, error) {
	ctx, span := tracer.Start(ctx, "FetchList")
	defer span.End()

	var capture policy.ListCapture
	cursor := ""
	for {
		var body listResponse
		req := c.http.R().
			SetContext(ctx).
			SetQueryParam("account", id).
			SetQueryParam("kind", string(kind)).
			SetResult(&body)
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}
		res, err := req.Get("/v1/list")
		if err != nil {
			return policy.ListCapture{}, fmt.Errorf("fetch %s list %q: %w", kind, id, err)
		}
		if res.IsError() {
			return policy.ListCapture{}, fmt.Errorf("fetch %s list %q: status %d", kind, id, res.StatusCode())
		}

		for _, m := range body.Members {
			capture.Members = append(capture.Members, policy.ListMember{
				AccountID:   m.AccountID,
				Username:    strings.TrimPrefix(m.Username, "@"),
				DisplayName: m.DisplayName,
			})
		}
		if body.ClaimedTotal != nil {
			total, err := body.ClaimedTotal.Int64()
			if err != nil {
				return policy.ListCapture{}, fmt.Errorf("fetch %s list %q: claimed total: %w", kind, id, err)
			}
			capture.ClaimedTotal = graph.Ptr(total)
		}

		if body.NextCursor == "" {
			return capture, nil
		}
		cursor = body.NextCursor
	}
}
