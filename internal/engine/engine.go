// Package engine implements the draft collaboration workflow: drafts,
// fix requests, pull requests and their decisions, commissions, and
// payment webhook ingestion. Every operation runs inside a single
// transaction; metric updates and event log rows commit with the state
// change that caused them.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"atelier/internal/apperr"
	"atelier/internal/config"
	"atelier/internal/domain"
	"atelier/internal/events"
	"atelier/internal/limits"
	"atelier/internal/metrics"
	"atelier/internal/repo"
)

// MinVerifiedTrustTier is the trust tier at which an agent's drafts stop
// being sandboxed.
const MinVerifiedTrustTier = 1

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Metrics  metrics.Engine
	Governor limits.Governor
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	e := Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Metrics:  metrics.New(r, cfg),
		Governor: limits.NewGovernor(r, cfg),
		Config:   cfg,
	}
	return e.WithClock(time.Now)
}

// WithClock returns a copy of the engine with every time source bound to
// now: the engine itself, the event writer, and the governor.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	e.Governor.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func newID() string {
	return uuid.NewString()
}

// DraftCreateOptions are parameters for creating a draft.
type DraftCreateOptions struct {
	ID       string
	AuthorID string
	Title    string
	Content  string
}

// CreateDraft registers a new draft at version 1. Drafts by unverified
// agents are sandboxed and capped per UTC day.
func (e Engine) CreateDraft(ctx context.Context, opts DraftCreateOptions) (domain.Draft, error) {
	if opts.Title == "" {
		return domain.Draft{}, apperr.New(apperr.CodeValidation, "title is required")
	}
	agent, err := e.Repo.GetAgent(ctx, opts.AuthorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Draft{}, apperr.NotFound(apperr.CodeAgentNotFound, "agent not found")
		}
		return domain.Draft{}, err
	}
	sandbox := agent.TrustTier < MinVerifiedTrustTier
	if sandbox {
		if err := e.Governor.CheckSandboxBudget(ctx, agent.ID); err != nil {
			return domain.Draft{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, err
	}
	defer tx.Rollback()

	now := e.nowString()
	d := domain.Draft{
		ID:             opts.ID,
		AuthorID:       agent.ID,
		Title:          opts.Title,
		Status:         "draft",
		CurrentVersion: 1,
		IsSandbox:      sandbox,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if d.ID == "" {
		d.ID = newID()
	}
	if err := e.Repo.InsertDraft(ctx, tx, d); err != nil {
		return domain.Draft{}, fmt.Errorf("insert draft: %w", err)
	}
	if err := e.Repo.InsertVersion(ctx, tx, domain.Version{
		ID: newID(), DraftID: d.ID, Number: 1, Content: opts.Content,
		CreatedBy: agent.ID, CreatedAt: now,
	}); err != nil {
		return domain.Draft{}, fmt.Errorf("insert version: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "draft.created", "draft", d.ID, agent.ID, events.EventPayload{"sandbox": sandbox}); err != nil {
		return domain.Draft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, err
	}
	return d, nil
}

// ReleaseDraft moves a draft to release. Author-only and one-way.
func (e Engine) ReleaseDraft(ctx context.Context, draftID, agentID string) (domain.Draft, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDraftTx(ctx, tx, draftID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Draft{}, apperr.NotFound(apperr.CodeDraftNotFound, "draft not found")
		}
		return domain.Draft{}, err
	}
	if d.AuthorID != agentID {
		return domain.Draft{}, apperr.Forbidden(apperr.CodeDraftNotOwner, "only the draft author may release it")
	}
	if d.Status == "release" {
		return domain.Draft{}, apperr.New(apperr.CodeValidation, "draft is already released")
	}
	now := e.nowString()
	if err := e.Repo.SetDraftStatus(ctx, tx, d.ID, "release", now); err != nil {
		return domain.Draft{}, err
	}
	if err := e.Events.Append(ctx, tx, "draft.released", "draft", d.ID, agentID, nil); err != nil {
		return domain.Draft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, err
	}
	d.Status = "release"
	d.UpdatedAt = now
	return d, nil
}

// FixRequestCreateOptions are parameters for filing a fix request.
type FixRequestCreateOptions struct {
	ID          string
	DraftID     string
	CriticID    string
	Category    string
	Description string
	Severity    *string
}

// CreateFixRequest files a critique against a draft after consulting the
// critic's daily budget.
func (e Engine) CreateFixRequest(ctx context.Context, opts FixRequestCreateOptions) (domain.FixRequest, error) {
	if opts.Description == "" {
		return domain.FixRequest{}, apperr.New(apperr.CodeValidation, "description is required")
	}
	if opts.Severity != nil && *opts.Severity != "major" && *opts.Severity != "minor" {
		return domain.FixRequest{}, apperr.New(apperr.CodeValidation, "severity must be major or minor")
	}
	if err := e.Governor.CheckEditBudget(ctx, opts.CriticID, limits.ActionFixRequest); err != nil {
		return domain.FixRequest{}, err
	}
	if _, err := e.Repo.GetDraft(ctx, opts.DraftID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.FixRequest{}, apperr.NotFound(apperr.CodeDraftNotFound, "draft not found")
		}
		return domain.FixRequest{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FixRequest{}, err
	}
	defer tx.Rollback()

	fr := domain.FixRequest{
		ID:          opts.ID,
		DraftID:     opts.DraftID,
		CriticID:    opts.CriticID,
		Category:    opts.Category,
		Description: opts.Description,
		Severity:    opts.Severity,
		CreatedAt:   e.nowString(),
	}
	if fr.ID == "" {
		fr.ID = newID()
	}
	if fr.Category == "" {
		fr.Category = "general"
	}
	if err := e.Repo.InsertFixRequest(ctx, tx, fr); err != nil {
		return domain.FixRequest{}, fmt.Errorf("insert fix request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "fix_request.created", "fix_request", fr.ID, fr.CriticID, events.EventPayload{"draft_id": fr.DraftID}); err != nil {
		return domain.FixRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FixRequest{}, err
	}
	return fr, nil
}

// PullRequestCreateOptions are parameters for opening a pull request.
type PullRequestCreateOptions struct {
	ID                   string
	DraftID              string
	MakerID              string
	Content              string
	Description          string
	Severity             string
	AddressedFixRequests []string
}

// CreatePullRequest opens a pending PR proposing the draft's next
// version. Budget checks run before any row is written.
func (e Engine) CreatePullRequest(ctx context.Context, opts PullRequestCreateOptions) (domain.PullRequest, error) {
	if opts.Severity != "major" && opts.Severity != "minor" {
		return domain.PullRequest{}, apperr.New(apperr.CodeValidation, "severity must be major or minor")
	}
	if opts.Content == "" {
		return domain.PullRequest{}, apperr.New(apperr.CodeValidation, "content is required")
	}
	if err := e.Governor.CheckEditBudget(ctx, opts.MakerID, limits.ActionPullRequest); err != nil {
		return domain.PullRequest{}, err
	}
	if opts.Severity == "major" {
		if err := e.Governor.CheckEditBudget(ctx, opts.MakerID, limits.ActionMajorPullRequest); err != nil {
			return domain.PullRequest{}, err
		}
	}

	for _, frID := range opts.AddressedFixRequests {
		fr, err := e.Repo.GetFixRequest(ctx, frID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.PullRequest{}, apperr.New(apperr.CodeValidation, fmt.Sprintf("fix request %s not found", frID))
			}
			return domain.PullRequest{}, err
		}
		if fr.DraftID != opts.DraftID {
			return domain.PullRequest{}, apperr.New(apperr.CodeValidation, fmt.Sprintf("fix request %s belongs to a different draft", frID))
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PullRequest{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDraftTx(ctx, tx, opts.DraftID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.PullRequest{}, apperr.NotFound(apperr.CodeDraftNotFound, "draft not found")
		}
		return domain.PullRequest{}, err
	}

	pr := domain.PullRequest{
		ID:                   opts.ID,
		DraftID:              d.ID,
		MakerID:              opts.MakerID,
		ProposedVersion:      d.CurrentVersion + 1,
		ProposedContent:      opts.Content,
		Description:          opts.Description,
		Severity:             opts.Severity,
		Status:               "pending",
		AddressedFixRequests: opts.AddressedFixRequests,
		CreatedAt:            e.nowString(),
	}
	if pr.ID == "" {
		pr.ID = newID()
	}
	if err := e.Repo.InsertPullRequest(ctx, tx, pr); err != nil {
		return domain.PullRequest{}, fmt.Errorf("insert pull request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "pull_request.created", "pull_request", pr.ID, pr.MakerID, events.EventPayload{
		"draft_id": pr.DraftID,
		"severity": pr.Severity,
	}); err != nil {
		return domain.PullRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PullRequest{}, err
	}
	return pr, nil
}

// DecideOptions are parameters for deciding a pending pull request.
type DecideOptions struct {
	PullRequestID   string
	Decision        string // merge, reject, request_changes
	ActorID         string
	RejectionReason string
	Feedback        string
}

// DecidePullRequest resolves a pending PR. Only the draft's author may
// decide. A merge bumps the draft version, credits the maker's impact
// and signal, refreshes the draft's glow-up score, and resolves observer
// stakes, all in one transaction.
func (e Engine) DecidePullRequest(ctx context.Context, opts DecideOptions) (domain.PullRequest, error) {
	var status string
	switch opts.Decision {
	case "merge":
		status = "merged"
	case "reject":
		if opts.RejectionReason == "" {
			return domain.PullRequest{}, apperr.New(apperr.CodeValidation, "rejectionReason is required to reject")
		}
		status = "rejected"
	case "request_changes":
		if opts.Feedback == "" {
			return domain.PullRequest{}, apperr.New(apperr.CodeValidation, "feedback is required to request changes")
		}
		status = "changes_requested"
	default:
		return domain.PullRequest{}, apperr.New(apperr.CodeValidation, "decision must be merge, reject, or request_changes")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PullRequest{}, err
	}
	defer tx.Rollback()

	pr, err := e.Repo.GetPullRequestTx(ctx, tx, opts.PullRequestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.PullRequest{}, apperr.NotFound(apperr.CodePullRequestNotFound, "pull request not found")
		}
		return domain.PullRequest{}, err
	}
	if pr.Status != "pending" {
		return domain.PullRequest{}, apperr.New(apperr.CodePullRequestNotPending, "pull request has already been decided")
	}
	d, err := e.Repo.GetDraftTx(ctx, tx, pr.DraftID)
	if err != nil {
		return domain.PullRequest{}, err
	}
	if d.AuthorID != opts.ActorID {
		return domain.PullRequest{}, apperr.Forbidden(apperr.CodePullRequestNotOwner, "only the draft author may decide this pull request")
	}

	now := e.nowString()
	var rejectionReason, feedback *string
	if opts.RejectionReason != "" {
		rejectionReason = &opts.RejectionReason
	}
	if opts.Feedback != "" {
		feedback = &opts.Feedback
	}
	if err := e.Repo.UpdatePullRequestDecision(ctx, tx, pr.ID, status, rejectionReason, feedback, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// lost the race to a concurrent decision
			return domain.PullRequest{}, apperr.New(apperr.CodePullRequestNotPending, "pull request has already been decided")
		}
		return domain.PullRequest{}, err
	}

	switch status {
	case "merged":
		next := d.CurrentVersion + 1
		if err := e.Repo.InsertVersion(ctx, tx, domain.Version{
			ID: newID(), DraftID: d.ID, Number: next, Content: pr.ProposedContent,
			CreatedBy: pr.MakerID, CreatedAt: now,
		}); err != nil {
			return domain.PullRequest{}, fmt.Errorf("insert merged version: %w", err)
		}
		if err := e.Repo.SetDraftVersion(ctx, tx, d.ID, next, now); err != nil {
			return domain.PullRequest{}, err
		}
		if err := e.Metrics.UpdateImpactOnMerge(ctx, tx, pr.MakerID, pr.Severity); err != nil {
			return domain.PullRequest{}, err
		}
		if _, err := e.Metrics.UpdateSignalOnDecision(ctx, tx, pr.MakerID, "merged"); err != nil {
			return domain.PullRequest{}, err
		}
		if _, err := e.Metrics.RecalculateDraftGlowUp(ctx, tx, d.ID); err != nil {
			return domain.PullRequest{}, err
		}
		if err := e.Repo.ResolveStakes(ctx, tx, pr.ID, "merged", now); err != nil {
			return domain.PullRequest{}, err
		}
	case "rejected":
		if _, err := e.Metrics.UpdateSignalOnDecision(ctx, tx, pr.MakerID, "rejected"); err != nil {
			return domain.PullRequest{}, err
		}
		if err := e.Repo.ResolveStakes(ctx, tx, pr.ID, "rejected", now); err != nil {
			return domain.PullRequest{}, err
		}
	}

	if err := e.Events.Append(ctx, tx, "pull_request."+status, "pull_request", pr.ID, opts.ActorID, events.EventPayload{
		"draft_id": pr.DraftID,
		"maker_id": pr.MakerID,
		"severity": pr.Severity,
	}); err != nil {
		return domain.PullRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PullRequest{}, err
	}

	pr.Status = status
	pr.RejectionReason = rejectionReason
	pr.Feedback = feedback
	pr.DecidedAt = &now
	return pr, nil
}

// CreateForkFromRejected spins a rejected PR's proposed content off into
// a new draft owned by the PR's maker.
func (e Engine) CreateForkFromRejected(ctx context.Context, pullRequestID, makerID string) (domain.Draft, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, err
	}
	defer tx.Rollback()

	pr, err := e.Repo.GetPullRequestTx(ctx, tx, pullRequestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Draft{}, apperr.NotFound(apperr.CodePullRequestNotFound, "pull request not found")
		}
		return domain.Draft{}, err
	}
	if pr.MakerID != makerID {
		return domain.Draft{}, apperr.Forbidden(apperr.CodePullRequestNotOwner, "only the pull request maker may fork it")
	}
	if pr.Status != "rejected" {
		return domain.Draft{}, apperr.New(apperr.CodeValidation, "only a rejected pull request may be forked")
	}
	source, err := e.Repo.GetDraftTx(ctx, tx, pr.DraftID)
	if err != nil {
		return domain.Draft{}, err
	}

	now := e.nowString()
	d := domain.Draft{
		ID:             newID(),
		AuthorID:       makerID,
		Title:          source.Title + " (fork)",
		Status:         "draft",
		CurrentVersion: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertDraft(ctx, tx, d); err != nil {
		return domain.Draft{}, fmt.Errorf("insert fork: %w", err)
	}
	if err := e.Repo.InsertVersion(ctx, tx, domain.Version{
		ID: newID(), DraftID: d.ID, Number: 1, Content: pr.ProposedContent,
		CreatedBy: makerID, CreatedAt: now,
	}); err != nil {
		return domain.Draft{}, fmt.Errorf("insert fork version: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "draft.forked", "draft", d.ID, makerID, events.EventPayload{
		"pull_request_id": pr.ID,
		"source_draft_id": pr.DraftID,
	}); err != nil {
		return domain.Draft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, err
	}
	return d, nil
}

// StakeCreateOptions are parameters for an observer stake on a pending PR.
type StakeCreateOptions struct {
	PullRequestID string
	ObserverID    string
	Prediction    string
	Points        int
}

// CreateStake records an observer's prediction on a pending pull
// request. One stake per observer per PR.
func (e Engine) CreateStake(ctx context.Context, opts StakeCreateOptions) (domain.ObserverStake, error) {
	if opts.Prediction != "merged" && opts.Prediction != "rejected" {
		return domain.ObserverStake{}, apperr.New(apperr.CodeStakeInvalid, "prediction must be merged or rejected")
	}
	if opts.Points <= 0 {
		return domain.ObserverStake{}, apperr.New(apperr.CodeStakeInvalid, "points must be positive")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ObserverStake{}, err
	}
	defer tx.Rollback()

	pr, err := e.Repo.GetPullRequestTx(ctx, tx, opts.PullRequestID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ObserverStake{}, apperr.NotFound(apperr.CodePullRequestNotFound, "pull request not found")
		}
		return domain.ObserverStake{}, err
	}
	if pr.Status != "pending" {
		return domain.ObserverStake{}, apperr.New(apperr.CodeStakeInvalid, "stakes are only accepted while the pull request is pending")
	}
	exists, err := e.Repo.StakeExists(ctx, tx, pr.ID, opts.ObserverID)
	if err != nil {
		return domain.ObserverStake{}, err
	}
	if exists {
		return domain.ObserverStake{}, apperr.New(apperr.CodeStakeInvalid, "observer has already staked on this pull request")
	}

	s := domain.ObserverStake{
		ID:            newID(),
		PullRequestID: pr.ID,
		ObserverID:    opts.ObserverID,
		Prediction:    opts.Prediction,
		Points:        opts.Points,
		CreatedAt:     e.nowString(),
	}
	if err := e.Repo.InsertStake(ctx, tx, s); err != nil {
		return domain.ObserverStake{}, fmt.Errorf("insert stake: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "stake.created", "stake", s.ID, s.ObserverID, events.EventPayload{
		"pull_request_id": s.PullRequestID,
		"prediction":      s.Prediction,
	}); err != nil {
		return domain.ObserverStake{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ObserverStake{}, err
	}
	return s, nil
}

// IssueAPIKey mints an API key for an agent and returns the plaintext
// once. Only the SHA-256 hash is stored.
func (e Engine) IssueAPIKey(ctx context.Context, agentID, name string) (string, domain.APIKey, error) {
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", domain.APIKey{}, apperr.NotFound(apperr.CodeAgentNotFound, "agent not found")
		}
		return "", domain.APIKey{}, fmt.Errorf("get agent: %w", err)
	}
	plaintext := "ak_" + uuid.NewString()
	key := domain.APIKey{
		ID:        newID(),
		AgentID:   agentID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("commit: %w", err)
	}
	return plaintext, key, nil
}

// RegisterAgent creates an agent row with baseline reputation.
func (e Engine) RegisterAgent(ctx context.Context, id, studioName string, trustTier int) (domain.Agent, error) {
	if studioName == "" {
		return domain.Agent{}, apperr.New(apperr.CodeValidation, "studioName is required")
	}
	a := domain.Agent{
		ID:         id,
		StudioName: studioName,
		TrustTier:  trustTier,
		Impact:     0,
		Signal:     e.Config.Reputation.SignalBaseline,
		CreatedAt:  e.nowString(),
	}
	if a.ID == "" {
		a.ID = newID()
	}
	if err := e.Repo.InsertAgent(ctx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	return a, nil
}
