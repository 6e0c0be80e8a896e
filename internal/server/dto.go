package server

import (
	"atelier/internal/domain"
)

type CreateDraftRequest struct {
	Title   string `json:"title" example:"neon alley study"`
	Content string `json:"content,omitempty"`
}

type DraftResponse struct {
	ID             string  `json:"id"`
	AuthorID       string  `json:"author_id"`
	Title          string  `json:"title"`
	Status         string  `json:"status"`
	CurrentVersion int     `json:"current_version"`
	GlowUpScore    float64 `json:"glow_up_score"`
	IsSandbox      bool    `json:"is_sandbox"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

func draftResponse(d domain.Draft) DraftResponse {
	return DraftResponse(d)
}

func mapDrafts(items []domain.Draft) []DraftResponse {
	res := make([]DraftResponse, 0, len(items))
	for _, d := range items {
		res = append(res, draftResponse(d))
	}
	return res
}

type VersionResponse struct {
	ID        string `json:"id"`
	DraftID   string `json:"draft_id"`
	Number    int    `json:"number"`
	Content   string `json:"content"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at"`
}

func mapVersions(items []domain.Version) []VersionResponse {
	res := make([]VersionResponse, 0, len(items))
	for _, v := range items {
		res = append(res, VersionResponse(v))
	}
	return res
}

type CreateFixRequestRequest struct {
	Category    string  `json:"category,omitempty"`
	Description string  `json:"description"`
	Severity    *string `json:"severity,omitempty" enum:"major,minor"`
}

type FixRequestResponse struct {
	ID          string  `json:"id"`
	DraftID     string  `json:"draft_id"`
	CriticID    string  `json:"critic_id"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Severity    *string `json:"severity,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func fixRequestResponse(fr domain.FixRequest) FixRequestResponse {
	return FixRequestResponse(fr)
}

type CreatePullRequestRequest struct {
	Content              string   `json:"content"`
	Description          string   `json:"description,omitempty"`
	Severity             string   `json:"severity" enum:"major,minor"`
	AddressedFixRequests []string `json:"addressed_fix_requests,omitempty"`
}

type PullRequestResponse struct {
	ID                   string   `json:"id"`
	DraftID              string   `json:"draft_id"`
	MakerID              string   `json:"maker_id"`
	ProposedVersion      int      `json:"proposed_version"`
	Description          string   `json:"description"`
	Severity             string   `json:"severity"`
	Status               string   `json:"status"`
	RejectionReason      *string  `json:"rejection_reason,omitempty"`
	Feedback             *string  `json:"feedback,omitempty"`
	AddressedFixRequests []string `json:"addressed_fix_requests,omitempty"`
	CreatedAt            string   `json:"created_at"`
	DecidedAt            *string  `json:"decided_at,omitempty"`
}

func pullRequestResponse(pr domain.PullRequest) PullRequestResponse {
	return PullRequestResponse{
		ID:                   pr.ID,
		DraftID:              pr.DraftID,
		MakerID:              pr.MakerID,
		ProposedVersion:      pr.ProposedVersion,
		Description:          pr.Description,
		Severity:             pr.Severity,
		Status:               pr.Status,
		RejectionReason:      pr.RejectionReason,
		Feedback:             pr.Feedback,
		AddressedFixRequests: pr.AddressedFixRequests,
		CreatedAt:            pr.CreatedAt,
		DecidedAt:            pr.DecidedAt,
	}
}

func mapPullRequests(items []domain.PullRequest) []PullRequestResponse {
	res := make([]PullRequestResponse, 0, len(items))
	for _, pr := range items {
		res = append(res, pullRequestResponse(pr))
	}
	return res
}

type DecideRequest struct {
	Decision        string `json:"decision" enum:"merge,reject,request_changes"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	Feedback        string `json:"feedback,omitempty"`
}

type CreateStakeRequest struct {
	Prediction string `json:"prediction" enum:"merged,rejected"`
	Points     int    `json:"points"`
}

type StakeResponse struct {
	ID            string  `json:"id"`
	PullRequestID string  `json:"pull_request_id"`
	ObserverID    string  `json:"observer_id"`
	Prediction    string  `json:"prediction"`
	Points        int     `json:"points"`
	Outcome       *string `json:"outcome,omitempty"`
	CreatedAt     string  `json:"created_at"`
	ResolvedAt    *string `json:"resolved_at,omitempty"`
}

func stakeResponse(s domain.ObserverStake) StakeResponse {
	return StakeResponse(s)
}

type CreateCommissionRequest struct {
	Description     string   `json:"description"`
	ReferenceImages []string `json:"reference_images,omitempty"`
	RewardAmount    *float64 `json:"reward_amount,omitempty"`
	Currency        string   `json:"currency,omitempty"`
}

type CommissionResponseBody struct {
	ID              string   `json:"id"`
	UserID          string   `json:"user_id"`
	Description     string   `json:"description"`
	ReferenceImages []string `json:"reference_images,omitempty"`
	RewardAmount    *float64 `json:"reward_amount,omitempty"`
	Currency        string   `json:"currency"`
	PaymentStatus   string   `json:"payment_status"`
	Status          string   `json:"status"`
	WinnerDraftID   *string  `json:"winner_draft_id,omitempty"`
	EscrowedAt      *string  `json:"escrowed_at,omitempty"`
	CompletedAt     *string  `json:"completed_at,omitempty"`
	PaidOutAt       *string  `json:"paid_out_at,omitempty"`
	RefundedAt      *string  `json:"refunded_at,omitempty"`
	CreatedAt       string   `json:"created_at"`
}

func commissionResponse(c domain.Commission) CommissionResponseBody {
	return CommissionResponseBody(c)
}

func mapCommissions(items []domain.Commission) []CommissionResponseBody {
	res := make([]CommissionResponseBody, 0, len(items))
	for _, c := range items {
		res = append(res, commissionResponse(c))
	}
	return res
}

type SubmitResponseRequest struct {
	DraftID string `json:"draft_id"`
}

type SelectWinnerRequest struct {
	WinnerDraftID string `json:"winner_draft_id"`
}

type WebhookRequest struct {
	Provider        string  `json:"provider"`
	ProviderEventID string  `json:"provider_event_id"`
	CommissionID    *string `json:"commission_id,omitempty"`
	EventType       string  `json:"event_type"`
	Payload         string  `json:"payload,omitempty"`
}

type AgentResponse struct {
	ID         string  `json:"id"`
	StudioName string  `json:"studio_name"`
	TrustTier  int     `json:"trust_tier"`
	Impact     float64 `json:"impact"`
	Signal     float64 `json:"signal"`
	CreatedAt  string  `json:"created_at"`
}

func agentResponse(a domain.Agent) AgentResponse {
	return AgentResponse(a)
}

type MultimodalScoreRequest struct {
	Scores   map[string]float64 `json:"scores"`
	Provider string             `json:"provider,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse(e))
	}
	return res
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
