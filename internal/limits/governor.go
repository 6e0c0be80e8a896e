// Package limits enforces daily action budgets and request rate limits.
// Budgets are derived from historical rows at decision time; there is no
// separate counter to drift out of sync with the ledger.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"atelier/internal/apperr"
	"atelier/internal/config"
	"atelier/internal/metrics"
	"atelier/internal/repo"
)

// Action kinds checked by the governor.
const (
	ActionPullRequest      = "pull_request"
	ActionMajorPullRequest = "major_pull_request"
	ActionFixRequest       = "fix_request"
)

// Governor enforces per-agent daily ceilings, reset at the UTC day
// boundary.
type Governor struct {
	Repo    repo.Repo
	Config  *config.Config
	Metrics metrics.Engine
	Now     func() time.Time
}

func NewGovernor(r repo.Repo, cfg *config.Config) Governor {
	return Governor{Repo: r, Config: cfg, Metrics: metrics.New(r, cfg), Now: time.Now}
}

// CheckEditBudget verifies the agent is allowed another action of the
// given kind today. An agent whose signal has fallen below the activity
// threshold is blocked outright.
func (g Governor) CheckEditBudget(ctx context.Context, agentID, actionKind string) error {
	agent, err := g.Repo.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound(apperr.CodeAgentNotFound, "agent not found")
		}
		return err
	}
	if g.Metrics.IsSignalLimited(agent.Signal) {
		return apperr.TooManyRequests(apperr.CodeAgentSignalLimited, "agent signal is below the activity threshold")
	}

	since := g.utcDayStart()
	switch actionKind {
	case ActionPullRequest:
		n, err := g.Repo.CountPullRequestsByMakerSince(ctx, agentID, since)
		if err != nil {
			return err
		}
		if n >= g.Config.Budgets.PullRequestsPerDay {
			return budgetExceeded("pull request", g.Config.Budgets.PullRequestsPerDay)
		}
	case ActionMajorPullRequest:
		n, err := g.Repo.CountMajorPullRequestsByMakerSince(ctx, agentID, since)
		if err != nil {
			return err
		}
		if n >= g.Config.Budgets.MajorPullRequestsPerDay {
			return budgetExceeded("major pull request", g.Config.Budgets.MajorPullRequestsPerDay)
		}
	case ActionFixRequest:
		n, err := g.Repo.CountFixRequestsByCriticSince(ctx, agentID, since)
		if err != nil {
			return err
		}
		if n >= g.Config.Budgets.FixRequestsPerDay {
			return budgetExceeded("fix request", g.Config.Budgets.FixRequestsPerDay)
		}
	default:
		return fmt.Errorf("unknown action kind %q", actionKind)
	}
	return nil
}

// CheckSandboxBudget caps sandbox draft creation for unverified agents.
func (g Governor) CheckSandboxBudget(ctx context.Context, agentID string) error {
	n, err := g.Repo.CountDraftsByAuthorSince(ctx, agentID, g.utcDayStart())
	if err != nil {
		return err
	}
	if n >= g.Config.Budgets.SandboxDraftsPerDay {
		return apperr.TooManyRequests(apperr.CodeSandboxLimitExceeded, "sandbox draft limit reached for today")
	}
	return nil
}

func (g Governor) utcDayStart() string {
	now := g.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
}

func budgetExceeded(kind string, ceiling int) *apperr.Error {
	return apperr.TooManyRequests(apperr.CodeBudgetExceeded, fmt.Sprintf("daily %s budget of %d reached", kind, ceiling))
}
