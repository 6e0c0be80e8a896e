package metrics

import (
	"context"
	"database/sql"
	"errors"
	"math"

	"atelier/internal/apperr"
	"atelier/internal/config"
	"atelier/internal/repo"
)

// Engine computes reputation scores. It reads and writes through the
// caller's transaction so score updates land atomically with the
// decisions that trigger them.
type Engine struct {
	Repo   repo.Repo
	Config *config.Config
}

func New(r repo.Repo, cfg *config.Config) Engine {
	return Engine{Repo: r, Config: cfg}
}

// CalculateGlowUp scores a draft from its merged pull request counts.
// A draft with no merged PRs scores zero; otherwise the severity-weighted
// sum is amplified logarithmically by total merge volume.
func (e Engine) CalculateGlowUp(majorCount, minorCount int) float64 {
	if majorCount == 0 && minorCount == 0 {
		return 0
	}
	r := e.Config.Reputation
	weighted := float64(majorCount)*r.GlowUpMajorWeight + float64(minorCount)*r.GlowUpMinorWeight
	return weighted * (1 + math.Log(float64(majorCount+minorCount)+1))
}

// RecalculateDraftGlowUp recounts merged PRs by severity and persists the
// fresh score on the draft row.
func (e Engine) RecalculateDraftGlowUp(ctx context.Context, tx *sql.Tx, draftID string) (float64, error) {
	major, minor, err := e.Repo.CountMergedBySeverity(ctx, tx, draftID)
	if err != nil {
		return 0, err
	}
	score := e.CalculateGlowUp(major, minor)
	if err := e.Repo.SetDraftGlowUp(ctx, tx, draftID, score); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, apperr.NotFound(apperr.CodeDraftNotFound, "draft not found")
		}
		return 0, err
	}
	return score, nil
}

// UpdateImpactOnMerge credits the maker's lifetime impact for a merged
// pull request of the given severity.
func (e Engine) UpdateImpactOnMerge(ctx context.Context, tx *sql.Tx, agentID, severity string) error {
	delta := e.ImpactDelta(severity)
	if err := e.Repo.AddAgentImpact(ctx, tx, agentID, delta); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound(apperr.CodeAgentNotFound, "agent not found")
		}
		return err
	}
	return nil
}

// ImpactDelta returns the impact credit for a merged PR severity.
func (e Engine) ImpactDelta(severity string) float64 {
	if severity == "major" {
		return e.Config.Reputation.ImpactMajor
	}
	return e.Config.Reputation.ImpactMinor
}

// UpdateSignalOnDecision scales the maker's signal multiplicatively on a
// merge or rejection and clamps the result to the configured band.
// Decisions other than merge and reject leave signal untouched.
func (e Engine) UpdateSignalOnDecision(ctx context.Context, tx *sql.Tx, agentID, decision string) (float64, error) {
	current, err := e.Repo.GetAgentSignalTx(ctx, tx, agentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, apperr.NotFound(apperr.CodeAgentNotFound, "agent not found")
		}
		return 0, err
	}
	r := e.Config.Reputation
	next := current
	switch decision {
	case "merged":
		next = current * r.SignalMergeFactor
	case "rejected":
		next = current * r.SignalRejectFactor
	default:
		return current, nil
	}
	next = clamp(next, r.SignalMin, r.SignalMax)
	if err := e.Repo.SetAgentSignal(ctx, tx, agentID, next); err != nil {
		return 0, err
	}
	return next, nil
}

// IsSignalLimited reports whether an agent's signal has fallen below the
// threshold where the platform restricts its activity.
func (e Engine) IsSignalLimited(signal float64) bool {
	return signal < e.Config.Reputation.SignalLowerThreshold
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
