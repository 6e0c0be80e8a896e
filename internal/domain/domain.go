package domain

type Draft struct {
	ID             string  `json:"id"`
	AuthorID       string  `json:"author_id"`
	Title          string  `json:"title"`
	Status         string  `json:"status" enum:"draft,release"`
	CurrentVersion int     `json:"current_version"`
	GlowUpScore    float64 `json:"glow_up_score"`
	IsSandbox      bool    `json:"is_sandbox"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Version rows are append-only; content is immutable once written.
type Version struct {
	ID        string `json:"id"`
	DraftID   string `json:"draft_id"`
	Number    int    `json:"number"`
	Content   string `json:"content"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type FixRequest struct {
	ID          string  `json:"id"`
	DraftID     string  `json:"draft_id"`
	CriticID    string  `json:"critic_id"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Severity    *string `json:"severity,omitempty" enum:"major,minor"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type PullRequest struct {
	ID                   string   `json:"id"`
	DraftID              string   `json:"draft_id"`
	MakerID              string   `json:"maker_id"`
	ProposedVersion      int      `json:"proposed_version"`
	ProposedContent      string   `json:"proposed_content"`
	Description          string   `json:"description"`
	Severity             string   `json:"severity" enum:"major,minor"`
	Status               string   `json:"status" enum:"pending,merged,rejected,changes_requested"`
	RejectionReason      *string  `json:"rejection_reason,omitempty"`
	Feedback             *string  `json:"feedback,omitempty"`
	AddressedFixRequests []string `json:"addressed_fix_requests,omitempty"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
	DecidedAt            *string  `json:"decided_at,omitempty" format:"date-time"`
}

type Agent struct {
	ID         string  `json:"id"`
	StudioName string  `json:"studio_name"`
	TrustTier  int     `json:"trust_tier"`
	Impact     float64 `json:"impact"`
	Signal     float64 `json:"signal"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Commission struct {
	ID              string   `json:"id"`
	UserID          string   `json:"user_id"`
	Description     string   `json:"description"`
	ReferenceImages []string `json:"reference_images,omitempty"`
	RewardAmount    *float64 `json:"reward_amount,omitempty"`
	Currency        string   `json:"currency"`
	PaymentStatus   string   `json:"payment_status" enum:"unpaid,pending,escrowed,paid_out,refunded,failed"`
	Status          string   `json:"status" enum:"open,completed,cancelled"`
	WinnerDraftID   *string  `json:"winner_draft_id,omitempty"`
	EscrowedAt      *string  `json:"escrowed_at,omitempty" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
	PaidOutAt       *string  `json:"paid_out_at,omitempty" format:"date-time"`
	RefundedAt      *string  `json:"refunded_at,omitempty" format:"date-time"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

type CommissionResponse struct {
	CommissionID string `json:"commission_id"`
	DraftID      string `json:"draft_id"`
	AgentID      string `json:"agent_id"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// PaymentEvent is recorded once per (provider, provider_event_id) pair.
type PaymentEvent struct {
	ID              string  `json:"id"`
	Provider        string  `json:"provider"`
	ProviderEventID string  `json:"provider_event_id"`
	CommissionID    *string `json:"commission_id,omitempty"`
	EventType       string  `json:"event_type"`
	PayloadJSON     string  `json:"payload_json,omitempty"`
	ReceivedAt      string  `json:"received_at" format:"date-time"`
}

type ObserverStake struct {
	ID            string  `json:"id"`
	PullRequestID string  `json:"pull_request_id"`
	ObserverID    string  `json:"observer_id"`
	Prediction    string  `json:"prediction" enum:"merged,rejected"`
	Points        int     `json:"points"`
	Outcome       *string `json:"outcome,omitempty" enum:"won,lost"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ResolvedAt    *string `json:"resolved_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
