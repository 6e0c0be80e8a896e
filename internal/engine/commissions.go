package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"atelier/internal/apperr"
	"atelier/internal/domain"
	"atelier/internal/events"
	"atelier/internal/repo"
)

// CommissionCreateOptions are parameters for opening a commission brief.
type CommissionCreateOptions struct {
	ID              string
	UserID          string
	Description     string
	ReferenceImages []string
	RewardAmount    *float64
	Currency        string
}

// CreateCommission opens a brief. Rewarded commissions start with
// payment pending; reward-free ones stay unpaid.
func (e Engine) CreateCommission(ctx context.Context, opts CommissionCreateOptions) (domain.Commission, error) {
	if opts.UserID == "" || opts.Description == "" {
		return domain.Commission{}, apperr.New(apperr.CodeCommissionRequiredFields, "userId and description are required")
	}
	if opts.RewardAmount != nil && *opts.RewardAmount > e.Config.Commissions.MaxReward {
		return domain.Commission{}, apperr.New(apperr.CodeCommissionRewardCap,
			fmt.Sprintf("rewardAmount exceeds the maximum of %.0f", e.Config.Commissions.MaxReward))
	}
	if opts.RewardAmount != nil && *opts.RewardAmount <= 0 {
		return domain.Commission{}, apperr.New(apperr.CodeValidation, "rewardAmount must be positive")
	}
	since := e.now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)
	open, err := e.Repo.CountOpenCommissionsByUserSince(ctx, opts.UserID, since)
	if err != nil {
		return domain.Commission{}, err
	}
	if open >= e.Config.Commissions.MaxOpenPer24H {
		return domain.Commission{}, apperr.TooManyRequests(apperr.CodeCommissionRateLimit,
			fmt.Sprintf("at most %d open commissions may be created per 24h", e.Config.Commissions.MaxOpenPer24H))
	}

	now := e.nowString()
	if err := e.Repo.EnsureUser(ctx, opts.UserID, opts.UserID, now); err != nil {
		return domain.Commission{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Commission{}, err
	}
	defer tx.Rollback()

	paymentStatus := "unpaid"
	if opts.RewardAmount != nil {
		paymentStatus = "pending"
	}
	currency := opts.Currency
	if currency == "" {
		currency = e.Config.Commissions.DefaultCurrency
	}
	c := domain.Commission{
		ID:              opts.ID,
		UserID:          opts.UserID,
		Description:     opts.Description,
		ReferenceImages: opts.ReferenceImages,
		RewardAmount:    opts.RewardAmount,
		Currency:        currency,
		PaymentStatus:   paymentStatus,
		Status:          "open",
		CreatedAt:       now,
	}
	if c.ID == "" {
		c.ID = newID()
	}
	if err := e.Repo.InsertCommission(ctx, tx, c); err != nil {
		return domain.Commission{}, fmt.Errorf("insert commission: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "commission.created", "commission", c.ID, c.UserID, events.EventPayload{
		"payment_status": c.PaymentStatus,
	}); err != nil {
		return domain.Commission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Commission{}, err
	}
	return c, nil
}

// MarkEscrowed records that the commission's reward is held in escrow.
// Only the creating user may escrow their own commission.
func (e Engine) MarkEscrowed(ctx context.Context, commissionID, actorID string) (domain.Commission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Commission{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCommissionTx(ctx, tx, commissionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Commission{}, apperr.NotFound(apperr.CodeCommissionNotFound, "commission not found")
		}
		return domain.Commission{}, err
	}
	if c.UserID != actorID {
		return domain.Commission{}, apperr.Forbidden(apperr.CodeCommissionNotOwner, "only the commission creator may escrow it")
	}

	now := e.nowString()
	if err := e.Repo.MarkCommissionEscrowed(ctx, tx, commissionID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Commission{}, apperr.NotFound(apperr.CodeCommissionNotFound, "commission not found")
		}
		return domain.Commission{}, err
	}
	if err := e.Events.Append(ctx, tx, "commission.escrowed", "commission", commissionID, actorID, nil); err != nil {
		return domain.Commission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Commission{}, err
	}
	return e.Repo.GetCommission(ctx, commissionID)
}

// SubmitResponse attaches an agent's draft to a commission. Duplicate
// submissions of the same draft are ignored.
func (e Engine) SubmitResponse(ctx context.Context, commissionID, draftID, agentID string) (domain.CommissionResponse, error) {
	c, err := e.Repo.GetCommission(ctx, commissionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.CommissionResponse{}, apperr.NotFound(apperr.CodeCommissionNotFound, "commission not found")
		}
		return domain.CommissionResponse{}, err
	}
	if c.Status != "open" {
		return domain.CommissionResponse{}, apperr.New(apperr.CodeValidation, "commission is not open for responses")
	}
	d, err := e.Repo.GetDraft(ctx, draftID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.CommissionResponse{}, apperr.NotFound(apperr.CodeDraftNotFound, "draft not found")
		}
		return domain.CommissionResponse{}, err
	}
	if d.AuthorID != agentID {
		return domain.CommissionResponse{}, apperr.Forbidden(apperr.CodeDraftNotOwner, "only the draft author may submit it")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CommissionResponse{}, err
	}
	defer tx.Rollback()

	resp := domain.CommissionResponse{
		CommissionID: c.ID,
		DraftID:      d.ID,
		AgentID:      agentID,
		CreatedAt:    e.nowString(),
	}
	applied, err := e.Repo.UpsertCommissionResponse(ctx, tx, resp)
	if err != nil {
		return domain.CommissionResponse{}, fmt.Errorf("insert response: %w", err)
	}
	if applied {
		if err := e.Events.Append(ctx, tx, "commission.response", "commission", c.ID, agentID, events.EventPayload{
			"draft_id": d.ID,
		}); err != nil {
			return domain.CommissionResponse{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.CommissionResponse{}, err
	}
	return resp, nil
}

// SelectWinner completes a commission. Creator-only. If the reward is
// escrowed it pays out, and the winning draft's author receives a fixed
// minor impact credit.
func (e Engine) SelectWinner(ctx context.Context, commissionID, winnerDraftID, userID string) (domain.Commission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Commission{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCommissionTx(ctx, tx, commissionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Commission{}, apperr.NotFound(apperr.CodeCommissionNotFound, "commission not found")
		}
		return domain.Commission{}, err
	}
	if c.UserID != userID {
		return domain.Commission{}, apperr.Forbidden(apperr.CodeCommissionNotOwner, "only the commission creator may select a winner")
	}
	if c.Status != "open" {
		return domain.Commission{}, apperr.New(apperr.CodeValidation, "commission is not open")
	}
	d, err := e.Repo.GetDraftTx(ctx, tx, winnerDraftID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Commission{}, apperr.NotFound(apperr.CodeDraftNotFound, "draft not found")
		}
		return domain.Commission{}, err
	}

	now := e.nowString()
	if err := e.Repo.MarkCommissionCompleted(ctx, tx, c.ID, d.ID, now); err != nil {
		return domain.Commission{}, err
	}
	if c.PaymentStatus == "escrowed" {
		if err := e.Repo.MarkCommissionPaidOut(ctx, tx, c.ID, now); err != nil {
			return domain.Commission{}, err
		}
	}
	// fixed minor credit for the winning author, regardless of reward size
	if err := e.Metrics.UpdateImpactOnMerge(ctx, tx, d.AuthorID, "minor"); err != nil {
		return domain.Commission{}, err
	}
	if err := e.Events.Append(ctx, tx, "commission.completed", "commission", c.ID, userID, events.EventPayload{
		"winner_draft_id": d.ID,
	}); err != nil {
		return domain.Commission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Commission{}, err
	}
	return e.Repo.GetCommission(ctx, c.ID)
}

// CancelCommission cancels an open commission. An escrowed reward may
// only be cancelled within the refund window, measured from escrow time.
func (e Engine) CancelCommission(ctx context.Context, commissionID, userID string) (domain.Commission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Commission{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCommissionTx(ctx, tx, commissionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Commission{}, apperr.NotFound(apperr.CodeCommissionNotFound, "commission not found")
		}
		return domain.Commission{}, err
	}
	if c.UserID != userID {
		return domain.Commission{}, apperr.Forbidden(apperr.CodeCommissionNotOwner, "only the commission creator may cancel it")
	}
	if c.Status != "open" || c.WinnerDraftID != nil {
		return domain.Commission{}, apperr.New(apperr.CodeCommissionCancelInvalid, "commission can only be cancelled while open with no winner")
	}
	refund := c.PaymentStatus == "escrowed"
	if refund {
		escrowedAt, err := time.Parse(time.RFC3339, *c.EscrowedAt)
		if err != nil {
			return domain.Commission{}, fmt.Errorf("parse escrowedAt: %w", err)
		}
		window := time.Duration(e.Config.Commissions.CancelWindowHours) * time.Hour
		if e.now().UTC().Sub(escrowedAt) > window {
			return domain.Commission{}, apperr.New(apperr.CodeCommissionCancelWindow,
				fmt.Sprintf("escrowed commissions may only be cancelled within %d hours of escrow", e.Config.Commissions.CancelWindowHours))
		}
	}

	now := e.nowString()
	if err := e.Repo.MarkCommissionCancelled(ctx, tx, c.ID, refund, now); err != nil {
		return domain.Commission{}, err
	}
	if err := e.Events.Append(ctx, tx, "commission.cancelled", "commission", c.ID, userID, events.EventPayload{
		"refunded": refund,
	}); err != nil {
		return domain.Commission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Commission{}, err
	}
	return e.Repo.GetCommission(ctx, c.ID)
}

// PayIntent is a simulated payment-provider intent for a commission
// reward. The provider's webhook later confirms or fails the payment.
type PayIntent struct {
	ID           string   `json:"id"`
	CommissionID string   `json:"commission_id"`
	Amount       float64  `json:"amount"`
	Currency     string   `json:"currency"`
	ClientSecret string   `json:"client_secret"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// CreatePayIntent issues a simulated payment intent for a rewarded open
// commission. Creator-only.
func (e Engine) CreatePayIntent(ctx context.Context, commissionID, userID string) (PayIntent, error) {
	c, err := e.Repo.GetCommission(ctx, commissionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return PayIntent{}, apperr.NotFound(apperr.CodeCommissionNotFound, "commission not found")
		}
		return PayIntent{}, err
	}
	if c.UserID != userID {
		return PayIntent{}, apperr.Forbidden(apperr.CodeCommissionNotOwner, "only the commission creator may pay for it")
	}
	if c.Status != "open" {
		return PayIntent{}, apperr.New(apperr.CodeValidation, "commission is not open")
	}
	if c.RewardAmount == nil {
		return PayIntent{}, apperr.New(apperr.CodeValidation, "commission has no reward to fund")
	}
	if c.PaymentStatus != "pending" && c.PaymentStatus != "failed" {
		return PayIntent{}, apperr.New(apperr.CodeValidation, "commission payment is not awaiting funding")
	}
	intent := PayIntent{
		ID:           "pi_" + newID(),
		CommissionID: c.ID,
		Amount:       *c.RewardAmount,
		Currency:     c.Currency,
		ClientSecret: "secret_" + newID(),
		CreatedAt:    e.nowString(),
	}
	return intent, nil
}

// ListCommissions applies visibility filters. ForAgents restricts the
// listing to escrowed or reward-free briefs.
func (e Engine) ListCommissions(ctx context.Context, f repo.CommissionFilters) ([]domain.Commission, error) {
	return e.Repo.ListCommissions(ctx, f)
}
