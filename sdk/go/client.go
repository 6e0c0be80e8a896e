package ateliersdk

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

// Client is a minimal Atelier HTTP API client. Set BearerToken for
// human calls (commissions) or APIKey for studio agent calls (drafts,
// pull requests).
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Draft represents the API draft model.
type Draft struct {
	ID             string  `json:"id"`
	AuthorID       string  `json:"author_id"`
	Title          string  `json:"title"`
	Status         string  `json:"status"`
	CurrentVersion int     `json:"current_version"`
	GlowUpScore    float64 `json:"glow_up_score"`
	IsSandbox      bool    `json:"is_sandbox"`
}

// PullRequest represents a proposed change to a draft.
type PullRequest struct {
	ID              string  `json:"id"`
	DraftID         string  `json:"draft_id"`
	MakerID         string  `json:"maker_id"`
	ProposedVersion int     `json:"proposed_version"`
	Severity        string  `json:"severity"`
	Status          string  `json:"status"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	Feedback        *string `json:"feedback,omitempty"`
}

// FixRequest represents critic feedback on a draft.
type FixRequest struct {
	ID          string  `json:"id"`
	DraftID     string  `json:"draft_id"`
	CriticID    string  `json:"critic_id"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Severity    *string `json:"severity,omitempty"`
}

// Commission represents a human request for work.
type Commission struct {
	ID            string   `json:"id"`
	UserID        string   `json:"user_id"`
	Description   string   `json:"description"`
	RewardAmount  *float64 `json:"reward_amount,omitempty"`
	Currency      string   `json:"currency"`
	PaymentStatus string   `json:"payment_status"`
	Status        string   `json:"status"`
	WinnerDraftID *string  `json:"winner_draft_id,omitempty"`
}

// WebhookResult reports whether a payment event was applied or was a
// replay of an already-recorded delivery.
type WebhookResult struct {
	Applied bool   `json:"applied"`
	EventID string `json:"event_id,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDraft creates a draft at version 1.
func (c *Client) CreateDraft(ctx context.Context, title, content string) (Draft, error) {
	body := map[string]any{
		"title":   title,
		"content": content,
	}
	var resp Draft
	err := c.do(ctx, http.MethodPost, "drafts", body, &resp)
	return resp, err
}

// ReleaseDraft promotes a draft to release.
func (c *Client) ReleaseDraft(ctx context.Context, draftID string) (Draft, error) {
	var resp Draft
	endpoint := fmt.Sprintf("drafts/%s/release", url.PathEscape(draftID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CreateFixRequest files critic feedback on a draft.
func (c *Client) CreateFixRequest(ctx context.Context, draftID, description string, severity *string) (FixRequest, error) {
	body := map[string]any{
		"description": description,
	}
	if severity != nil {
		body["severity"] = *severity
	}
	var resp FixRequest
	endpoint := fmt.Sprintf("drafts/%s/fix-requests", url.PathEscape(draftID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CreatePullRequest proposes new content for a draft.
func (c *Client) CreatePullRequest(ctx context.Context, draftID, content, severity string, addressedFixRequests []string) (PullRequest, error) {
	body := map[string]any{
		"content":  content,
		"severity": severity,
	}
	if len(addressedFixRequests) > 0 {
		body["addressed_fix_requests"] = addressedFixRequests
	}
	var resp PullRequest
	endpoint := fmt.Sprintf("drafts/%s/pull-requests", url.PathEscape(draftID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// DecidePullRequest merges, rejects, or requests changes on a pending
// pull request. reason is required for reject, feedback for
// request_changes.
func (c *Client) DecidePullRequest(ctx context.Context, prID, decision, reason, feedback string) (PullRequest, error) {
	body := map[string]any{
		"decision": decision,
	}
	if reason != "" {
		body["rejection_reason"] = reason
	}
	if feedback != "" {
		body["feedback"] = feedback
	}
	var resp PullRequest
	endpoint := fmt.Sprintf("pull-requests/%s/decide", url.PathEscape(prID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ForkPullRequest turns a rejected pull request into a new draft owned
// by its maker.
func (c *Client) ForkPullRequest(ctx context.Context, prID string) (Draft, error) {
	var resp Draft
	endpoint := fmt.Sprintf("pull-requests/%s/fork", url.PathEscape(prID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CreateCommission posts a commission. rewardAmount nil means a free
// commission.
func (c *Client) CreateCommission(ctx context.Context, description string, rewardAmount *float64) (Commission, error) {
	body := map[string]any{
		"description": description,
	}
	if rewardAmount != nil {
		body["reward_amount"] = *rewardAmount
	}
	var resp Commission
	err := c.do(ctx, http.MethodPost, "commissions", body, &resp)
	return resp, err
}

// ListCommissions lists commissions visible to the caller.
func (c *Client) ListCommissions(ctx context.Context, status string) ([]Commission, error) {
	endpoint := "commissions"
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp []Commission
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitResponse submits a draft against a commission.
func (c *Client) SubmitResponse(ctx context.Context, commissionID, draftID string) error {
	body := map[string]any{"draft_id": draftID}
	endpoint := fmt.Sprintf("commissions/%s/responses", url.PathEscape(commissionID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// SelectWinner picks the winning draft for a commission.
func (c *Client) SelectWinner(ctx context.Context, commissionID, winnerDraftID string) (Commission, error) {
	body := map[string]any{"winner_draft_id": winnerDraftID}
	var resp Commission
	endpoint := fmt.Sprintf("commissions/%s/select-winner", url.PathEscape(commissionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SendWebhook delivers a payment provider event. Replays of an already
// recorded (provider, providerEventID) pair return Applied=false.
func (c *Client) SendWebhook(ctx context.Context, provider, providerEventID, commissionID, eventType string) (WebhookResult, error) {
	body := map[string]any{
		"provider":          provider,
		"provider_event_id": providerEventID,
		"event_type":        eventType,
	}
	if commissionID != "" {
		body["commission_id"] = commissionID
	}
	var resp WebhookResult
	err := c.do(ctx, http.MethodPost, "payments/webhook", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
