package engine_test

import (
	"testing"
	"time"

	"atelier/internal/apperr"
	"atelier/internal/domain"
	"atelier/internal/engine"
	"atelier/internal/repo"
)

func reward(v float64) *float64 { return &v }

func (env *testEnv) commission(t *testing.T, userID string, amount *float64) domain.Commission {
	t.Helper()
	c, err := env.Engine.CreateCommission(env.Ctx, engine.CommissionCreateOptions{
		UserID: userID, Description: "album cover, retro futurist", RewardAmount: amount,
	})
	if err != nil {
		t.Fatalf("create commission: %v", err)
	}
	return c
}

func TestCreateCommissionValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.CreateCommission(env.Ctx, engine.CommissionCreateOptions{UserID: "u-1"})
	if !apperr.IsCode(err, apperr.CodeCommissionRequiredFields) {
		t.Fatalf("expected COMMISSION_REQUIRED_FIELDS, got %v", err)
	}
	_, err = env.Engine.CreateCommission(env.Ctx, engine.CommissionCreateOptions{
		UserID: "u-1", Description: "x", RewardAmount: reward(env.Engine.Config.Commissions.MaxReward + 1),
	})
	if !apperr.IsCode(err, apperr.CodeCommissionRewardCap) {
		t.Fatalf("expected COMMISSION_REWARD_CAP, got %v", err)
	}
}

func TestCommissionOpenCapPer24H(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Commissions.MaxOpenPer24H = 2
	env.commission(t, "u-1", nil)
	env.commission(t, "u-1", nil)
	_, err := env.Engine.CreateCommission(env.Ctx, engine.CommissionCreateOptions{
		UserID: "u-1", Description: "one too many",
	})
	if !apperr.IsCode(err, apperr.CodeCommissionRateLimit) {
		t.Fatalf("expected COMMISSION_RATE_LIMIT, got %v", err)
	}
	// other users are unaffected, and the window slides
	env.commission(t, "u-2", nil)
	env.now = env.now.Add(25 * time.Hour)
	env.commission(t, "u-1", nil)
}

func TestCommissionInitialPaymentStatus(t *testing.T) {
	env := newTestEnv(t)
	free := env.commission(t, "u-1", nil)
	if free.PaymentStatus != "unpaid" {
		t.Fatalf("reward-free commission should start unpaid, got %s", free.PaymentStatus)
	}
	paid := env.commission(t, "u-2", reward(500))
	if paid.PaymentStatus != "pending" {
		t.Fatalf("rewarded commission should start pending, got %s", paid.PaymentStatus)
	}
}

func TestEscrowAndAgentVisibility(t *testing.T) {
	env := newTestEnv(t)
	free := env.commission(t, "u-1", nil)
	funded := env.commission(t, "u-1", reward(500))
	pendingOnly := env.commission(t, "u-2", reward(300))

	if _, err := env.Engine.MarkEscrowed(env.Ctx, funded.ID, "u-1"); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if _, err := env.Engine.MarkEscrowed(env.Ctx, "missing", "u-1"); !apperr.IsCode(err, apperr.CodeCommissionNotFound) {
		t.Fatalf("expected COMMISSION_NOT_FOUND, got %v", err)
	}

	visible, err := env.Engine.ListCommissions(env.Ctx, repo.CommissionFilters{ForAgents: true})
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, c := range visible {
		ids[c.ID] = true
	}
	if !ids[free.ID] || !ids[funded.ID] {
		t.Fatalf("agents should see reward-free and escrowed briefs: %v", ids)
	}
	if ids[pendingOnly.ID] {
		t.Fatalf("agents must not see unfunded rewarded briefs")
	}
}

func TestSubmitResponseIdempotent(t *testing.T) {
	env := newTestEnv(t)
	agent := env.agent(t, "artist", 1)
	d := env.draft(t, agent.ID)
	c := env.commission(t, "u-1", nil)

	if _, err := env.Engine.SubmitResponse(env.Ctx, c.ID, d.ID, agent.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// duplicate is ignored, not an error
	if _, err := env.Engine.SubmitResponse(env.Ctx, c.ID, d.ID, agent.ID); err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	resps, err := env.Engine.Repo.ListCommissionResponses(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(resps) != 1 {
		t.Fatalf("expected a single response row, got %d", len(resps))
	}
	// only the draft author may submit it
	other := env.agent(t, "other", 1)
	if _, err := env.Engine.SubmitResponse(env.Ctx, c.ID, d.ID, other.ID); !apperr.IsCode(err, apperr.CodeDraftNotOwner) {
		t.Fatalf("expected DRAFT_NOT_OWNER, got %v", err)
	}
}

func TestSelectWinnerPaysOutEscrow(t *testing.T) {
	env := newTestEnv(t)
	agent := env.agent(t, "artist", 1)
	d := env.draft(t, agent.ID)
	c := env.commission(t, "u-1", reward(500))
	if _, err := env.Engine.MarkEscrowed(env.Ctx, c.ID, "u-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitResponse(env.Ctx, c.ID, d.ID, agent.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.SelectWinner(env.Ctx, c.ID, d.ID, "someone-else"); !apperr.IsCode(err, apperr.CodeCommissionNotOwner) {
		t.Fatalf("expected COMMISSION_NOT_OWNER, got %v", err)
	}
	done, err := env.Engine.SelectWinner(env.Ctx, c.ID, d.ID, "u-1")
	if err != nil {
		t.Fatalf("select winner: %v", err)
	}
	if done.Status != "completed" || done.WinnerDraftID == nil || *done.WinnerDraftID != d.ID {
		t.Fatalf("unexpected commission: %+v", done)
	}
	if done.PaymentStatus != "paid_out" || done.PaidOutAt == nil {
		t.Fatalf("escrowed reward should pay out, got %s", done.PaymentStatus)
	}
	// winning author gets the fixed minor credit
	a, _ := env.Engine.Repo.GetAgent(env.Ctx, agent.ID)
	if a.Impact != env.Engine.Config.Reputation.ImpactMinor {
		t.Fatalf("expected minor impact credit, got %v", a.Impact)
	}
	// completed commissions accept no further winner
	if _, err := env.Engine.SelectWinner(env.Ctx, c.ID, d.ID, "u-1"); err == nil {
		t.Fatalf("expected error selecting winner twice")
	}
}

func TestSelectWinnerWithoutEscrowLeavesPaymentAlone(t *testing.T) {
	env := newTestEnv(t)
	agent := env.agent(t, "artist", 1)
	d := env.draft(t, agent.ID)
	c := env.commission(t, "u-1", nil)
	done, err := env.Engine.SelectWinner(env.Ctx, c.ID, d.ID, "u-1")
	if err != nil {
		t.Fatalf("select winner: %v", err)
	}
	if done.PaymentStatus != "unpaid" {
		t.Fatalf("unfunded commission payment state should be untouched, got %s", done.PaymentStatus)
	}
}

func TestCancelCommission(t *testing.T) {
	env := newTestEnv(t)
	c := env.commission(t, "u-1", nil)

	if _, err := env.Engine.CancelCommission(env.Ctx, c.ID, "intruder"); !apperr.IsCode(err, apperr.CodeCommissionNotOwner) {
		t.Fatalf("expected COMMISSION_NOT_OWNER, got %v", err)
	}
	cancelled, err := env.Engine.CancelCommission(env.Ctx, c.ID, "u-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != "cancelled" {
		t.Fatalf("unexpected status %s", cancelled.Status)
	}
	if _, err := env.Engine.CancelCommission(env.Ctx, c.ID, "u-1"); !apperr.IsCode(err, apperr.CodeCommissionCancelInvalid) {
		t.Fatalf("expected COMMISSION_CANCEL_INVALID, got %v", err)
	}
}

func TestCancelEscrowedWithinWindowRefunds(t *testing.T) {
	env := newTestEnv(t)
	c := env.commission(t, "u-1", reward(500))
	if _, err := env.Engine.MarkEscrowed(env.Ctx, c.ID, "u-1"); err != nil {
		t.Fatal(err)
	}
	env.now = env.now.Add(time.Duration(env.Engine.Config.Commissions.CancelWindowHours-1) * time.Hour)
	cancelled, err := env.Engine.CancelCommission(env.Ctx, c.ID, "u-1")
	if err != nil {
		t.Fatalf("cancel within window: %v", err)
	}
	if cancelled.PaymentStatus != "refunded" || cancelled.RefundedAt == nil {
		t.Fatalf("expected refund, got %+v", cancelled)
	}
}

func TestCancelEscrowedPastWindowFails(t *testing.T) {
	env := newTestEnv(t)
	c := env.commission(t, "u-1", reward(500))
	if _, err := env.Engine.MarkEscrowed(env.Ctx, c.ID, "u-1"); err != nil {
		t.Fatal(err)
	}
	env.now = env.now.Add(time.Duration(env.Engine.Config.Commissions.CancelWindowHours+1) * time.Hour)
	_, err := env.Engine.CancelCommission(env.Ctx, c.ID, "u-1")
	if !apperr.IsCode(err, apperr.CodeCommissionCancelWindow) {
		t.Fatalf("expected COMMISSION_CANCEL_WINDOW, got %v", err)
	}
}

func TestPayIntentRequiresFundableCommission(t *testing.T) {
	env := newTestEnv(t)
	free := env.commission(t, "u-1", nil)
	if _, err := env.Engine.CreatePayIntent(env.Ctx, free.ID, "u-1"); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Fatalf("expected validation error for reward-free commission, got %v", err)
	}
	funded := env.commission(t, "u-1", reward(750))
	intent, err := env.Engine.CreatePayIntent(env.Ctx, funded.ID, "u-1")
	if err != nil {
		t.Fatalf("pay intent: %v", err)
	}
	if intent.Amount != 750 || intent.CommissionID != funded.ID || intent.ClientSecret == "" {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if _, err := env.Engine.CreatePayIntent(env.Ctx, funded.ID, "u-2"); !apperr.IsCode(err, apperr.CodeCommissionNotOwner) {
		t.Fatalf("expected COMMISSION_NOT_OWNER, got %v", err)
	}
}

func TestWebhookIdempotency(t *testing.T) {
	env := newTestEnv(t)
	c := env.commission(t, "u-1", reward(500))

	first, err := env.Engine.RecordWebhookEvent(env.Ctx, engine.WebhookEventOptions{
		Provider: "simpay", ProviderEventID: "evt-1", CommissionID: &c.ID, EventType: "payment_intent.succeeded",
	})
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if !first.Applied {
		t.Fatalf("first delivery must apply")
	}
	replay, err := env.Engine.RecordWebhookEvent(env.Ctx, engine.WebhookEventOptions{
		Provider: "simpay", ProviderEventID: "evt-1", CommissionID: &c.ID, EventType: "payment_intent.succeeded",
	})
	if err != nil {
		t.Fatalf("replay must not error: %v", err)
	}
	if replay.Applied {
		t.Fatalf("replay must not apply")
	}

	evts, err := env.Engine.Repo.ListPaymentEvents(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected a single payment event row, got %d", len(evts))
	}
	got, err := env.Engine.Repo.GetCommission(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PaymentStatus != "escrowed" || got.EscrowedAt == nil {
		t.Fatalf("expected escrow applied once, got %+v", got)
	}

	// same provider, different event id is a new event
	second, err := env.Engine.RecordWebhookEvent(env.Ctx, engine.WebhookEventOptions{
		Provider: "simpay", ProviderEventID: "evt-2", CommissionID: &c.ID, EventType: "payment_intent.payment_failed",
	})
	if err != nil || !second.Applied {
		t.Fatalf("distinct event id should apply: %v %v", second, err)
	}
	got, _ = env.Engine.Repo.GetCommission(env.Ctx, c.ID)
	if got.PaymentStatus != "failed" {
		t.Fatalf("expected failed after failure event, got %s", got.PaymentStatus)
	}
}

func TestWebhookRefundStampsCommission(t *testing.T) {
	env := newTestEnv(t)
	c := env.commission(t, "u-1", reward(500))

	if _, err := env.Engine.RecordWebhookEvent(env.Ctx, engine.WebhookEventOptions{
		Provider: "simpay", ProviderEventID: "evt-1", CommissionID: &c.ID, EventType: "payment_intent.succeeded",
	}); err != nil {
		t.Fatalf("escrow event: %v", err)
	}
	res, err := env.Engine.RecordWebhookEvent(env.Ctx, engine.WebhookEventOptions{
		Provider: "simpay", ProviderEventID: "evt-2", CommissionID: &c.ID, EventType: "charge.refunded",
	})
	if err != nil || !res.Applied {
		t.Fatalf("refund event should apply: %v %v", res, err)
	}
	got, err := env.Engine.Repo.GetCommission(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PaymentStatus != "refunded" || got.RefundedAt == nil {
		t.Fatalf("expected refunded stamp, got %+v", got)
	}
}

func TestEscrowRequiresCreator(t *testing.T) {
	env := newTestEnv(t)
	c := env.commission(t, "u-1", reward(500))

	if _, err := env.Engine.MarkEscrowed(env.Ctx, c.ID, "u-2"); !apperr.IsCode(err, apperr.CodeCommissionNotOwner) {
		t.Fatalf("expected COMMISSION_NOT_OWNER, got %v", err)
	}
	got, err := env.Engine.Repo.GetCommission(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PaymentStatus != "pending" {
		t.Fatalf("payment status must be untouched, got %s", got.PaymentStatus)
	}

	if _, err := env.Engine.MarkEscrowed(env.Ctx, c.ID, "u-1"); err != nil {
		t.Fatalf("creator escrow: %v", err)
	}
}
