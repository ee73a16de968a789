package grantflowsdk

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

// Client is a minimal Grantflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Proposal represents the API proposal model (partial).
type Proposal struct {
	ID            string `json:"id"`
	OwnerID       string `json:"owner_id"`
	Department    string `json:"department"`
	Title         string `json:"title"`
	Level3        bool   `json:"level3"`
	SaveSubmit    bool   `json:"save_submit"`
	EmailApproved bool   `json:"email_approved"`
	Closed        bool   `json:"closed"`
	Version       int64  `json:"version"`
}

type Impact struct {
	Level3 bool `json:"level3"`
	Level2 bool `json:"level2"`
	Level1 bool `json:"level1"`
}

type Approver struct {
	UserID   string `json:"user_id"`
	Replaces string `json:"replaces,omitempty"`
	Step1    bool   `json:"step1"`
	Step2    bool   `json:"step2"`
}

// Permissions is the caller's permission set on one proposal.
type Permissions struct {
	View      bool   `json:"view"`
	Approve   string `json:"approve"`
	Decline   bool   `json:"decline"`
	Close     bool   `json:"close"`
	Open      bool   `json:"open"`
	NeedsWork bool   `json:"needswork"`
	Superuser bool   `json:"superuser"`
	Approver  bool   `json:"approver"`
}

type ProposalView struct {
	Proposal    Proposal    `json:"proposal"`
	Impact      *Impact     `json:"impact,omitempty"`
	Approvers   []Approver  `json:"approvers"`
	Permissions Permissions `json:"permissions"`
	Step1       bool        `json:"step1_complete"`
	Step2       bool        `json:"step2_complete"`
}

type Notification struct {
	ID         string   `json:"id"`
	Event      string   `json:"event"`
	Recipients []string `json:"recipients"`
	Status     string   `json:"status"`
}

// StatusResult is the answer to a status request.
type StatusResult struct {
	Message string `json:"message"`
	Outcome struct {
		Step      string     `json:"step"`
		Proposal  Proposal   `json:"proposal"`
		Impact    *Impact    `json:"impact,omitempty"`
		Approvers []Approver `json:"approvers"`
	} `json:"outcome"`
	Notifications []Notification `json:"notifications"`
	Permissions   Permissions    `json:"permissions"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProposalID string         `json:"proposal_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProposal submits Part A.
func (c *Client) CreateProposal(ctx context.Context, title, department string) (Proposal, error) {
	body := map[string]any{
		"title":      title,
		"department": department,
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "proposals", body, &resp)
	return resp, err
}

// GetProposal fetches a proposal with its Part B, approvers and the caller's
// permissions.
func (c *Client) GetProposal(ctx context.Context, id string) (ProposalView, error) {
	var resp ProposalView
	err := c.do(ctx, http.MethodGet, "proposals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Permissions(ctx context.Context, id string) (Permissions, error) {
	var resp Permissions
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("proposals/%s/permissions", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// SetStatus requests a workflow transition. Workflow rejections come back as
// *APIError with Code permission_denied, invalid_state or
// missing_approver_record.
func (c *Client) SetStatus(ctx context.Context, id, status string) (StatusResult, error) {
	var resp StatusResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("proposals/%s/status", url.PathEscape(id)), map[string]any{"status": status}, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, optionally for one proposal.
func (c *Client) EventsPage(ctx context.Context, proposalID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if proposalID != "" {
		q.Set("proposal_id", proposalID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
