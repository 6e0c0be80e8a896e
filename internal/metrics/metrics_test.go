package metrics_test

import (
	"context"
	"database/sql"
	"math"
	"testing"

	"atelier/internal/config"
	"atelier/internal/db"
	"atelier/internal/domain"
	"atelier/internal/metrics"
	"atelier/internal/migrate"
	"atelier/internal/repo"
)

func newTestEngine(t *testing.T) (metrics.Engine, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return metrics.New(repo.Repo{DB: conn}, config.Default("studio-1")), conn
}

func TestCalculateGlowUpZeroWhenNoMerges(t *testing.T) {
	eng, _ := newTestEngine(t)
	if got := eng.CalculateGlowUp(0, 0); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestCalculateGlowUpFormula(t *testing.T) {
	eng, _ := newTestEngine(t)
	// 2 major, 3 minor: weighted = 2*10 + 3*3 = 29, amplifier = 1+ln(6)
	want := 29 * (1 + math.Log(6))
	got := eng.CalculateGlowUp(2, 3)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("got %v want %v", got, want)
	}
	// more merges never lowers the score
	if eng.CalculateGlowUp(3, 3) <= got {
		t.Fatalf("expected score to grow with merge count")
	}
}

func TestRecalculateDraftGlowUpMissingDraft(t *testing.T) {
	eng, conn := newTestEngine(t)
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	_, err = eng.RecalculateDraftGlowUp(ctx, tx, "missing")
	if err == nil {
		t.Fatalf("expected DRAFT_NOT_FOUND")
	}
}

func TestRecalculateDraftGlowUpCountsMergedOnly(t *testing.T) {
	eng, conn := newTestEngine(t)
	ctx := context.Background()
	now := "2024-01-01T00:00:00Z"
	seedAgent(t, eng.Repo, "maker-1", now)
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Repo.InsertDraft(ctx, tx, domain.Draft{
		ID: "d-1", AuthorID: "maker-1", Title: "piece", Status: "draft",
		CurrentVersion: 1, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert draft: %v", err)
	}
	prs := []struct{ id, severity, status string }{
		{"pr-1", "major", "merged"},
		{"pr-2", "minor", "merged"},
		{"pr-3", "major", "rejected"},
		{"pr-4", "minor", "pending"},
	}
	for _, p := range prs {
		pr := domain.PullRequest{
			ID: p.id, DraftID: "d-1", MakerID: "maker-1", ProposedVersion: 2,
			Severity: p.severity, Status: "pending", CreatedAt: now,
		}
		if err := eng.Repo.InsertPullRequest(ctx, tx, pr); err != nil {
			t.Fatalf("insert pr: %v", err)
		}
		if p.status != "pending" {
			if err := eng.Repo.UpdatePullRequestDecision(ctx, tx, p.id, p.status, nil, nil, now); err != nil {
				t.Fatalf("decide pr: %v", err)
			}
		}
	}
	score, err := eng.RecalculateDraftGlowUp(ctx, tx, "d-1")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	// only pr-1 (major) and pr-2 (minor) count: 13 * (1+ln(3))
	want := 13 * (1 + math.Log(3))
	if math.Abs(score-want) > 1e-9 {
		t.Fatalf("got %v want %v", score, want)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	d, err := eng.Repo.GetDraft(ctx, "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(d.GlowUpScore-want) > 1e-9 {
		t.Fatalf("persisted %v want %v", d.GlowUpScore, want)
	}
}

func TestUpdateImpactOnMerge(t *testing.T) {
	eng, conn := newTestEngine(t)
	ctx := context.Background()
	seedAgent(t, eng.Repo, "a-1", "2024-01-01T00:00:00Z")
	tx, _ := conn.BeginTx(ctx, nil)
	if err := eng.UpdateImpactOnMerge(ctx, tx, "a-1", "major"); err != nil {
		t.Fatalf("major: %v", err)
	}
	if err := eng.UpdateImpactOnMerge(ctx, tx, "a-1", "minor"); err != nil {
		t.Fatalf("minor: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	a, err := eng.Repo.GetAgent(ctx, "a-1")
	if err != nil {
		t.Fatal(err)
	}
	want := eng.Config.Reputation.ImpactMajor + eng.Config.Reputation.ImpactMinor
	if a.Impact != want {
		t.Fatalf("impact %v want %v", a.Impact, want)
	}
	tx2, _ := conn.BeginTx(ctx, nil)
	defer tx2.Rollback()
	if err := eng.UpdateImpactOnMerge(ctx, tx2, "nobody", "major"); err == nil {
		t.Fatalf("expected AGENT_NOT_FOUND")
	}
}

func TestUpdateSignalOnDecision(t *testing.T) {
	eng, conn := newTestEngine(t)
	ctx := context.Background()
	seedAgent(t, eng.Repo, "a-1", "2024-01-01T00:00:00Z")

	decide := func(decision string) float64 {
		t.Helper()
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		next, err := eng.UpdateSignalOnDecision(ctx, tx, "a-1", decision)
		if err != nil {
			t.Fatalf("decision %s: %v", decision, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
		return next
	}

	if got := decide("merged"); math.Abs(got-55) > 1e-9 {
		t.Fatalf("merge from baseline: got %v want 55", got)
	}
	if got := decide("rejected"); math.Abs(got-49.5) > 1e-9 {
		t.Fatalf("reject: got %v want 49.5", got)
	}
	// a non-terminal decision leaves signal unchanged
	if got := decide("changes_requested"); math.Abs(got-49.5) > 1e-9 {
		t.Fatalf("changes_requested moved signal to %v", got)
	}
	// repeated merges clamp at the ceiling
	var last float64
	for i := 0; i < 40; i++ {
		last = decide("merged")
	}
	if last != eng.Config.Reputation.SignalMax {
		t.Fatalf("expected clamp at %v, got %v", eng.Config.Reputation.SignalMax, last)
	}
	// repeated rejections clamp at the floor
	for i := 0; i < 200; i++ {
		last = decide("rejected")
	}
	if last < eng.Config.Reputation.SignalMin {
		t.Fatalf("signal fell below floor: %v", last)
	}
}

func TestIsSignalLimited(t *testing.T) {
	eng, _ := newTestEngine(t)
	threshold := eng.Config.Reputation.SignalLowerThreshold
	if eng.IsSignalLimited(threshold) {
		t.Fatalf("signal at threshold should not be limited")
	}
	if !eng.IsSignalLimited(threshold - 0.01) {
		t.Fatalf("signal below threshold should be limited")
	}
}

func TestMultimodalGlowUpValidation(t *testing.T) {
	eng, _ := newTestEngine(t)
	cases := []struct {
		name   string
		scores map[string]float64
	}{
		{"empty", map[string]float64{}},
		{"unknown modality", map[string]float64{"haptic": 50}},
		{"negative", map[string]float64{"visual": -1}},
		{"above range", map[string]float64{"visual": 101}},
		{"nan", map[string]float64{"visual": math.NaN()}},
		{"inf", map[string]float64{"visual": math.Inf(1)}},
	}
	for _, tc := range cases {
		if _, err := eng.CalculateMultimodalGlowUp(tc.scores, "openai"); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestMultimodalGlowUpBlend(t *testing.T) {
	eng, _ := newTestEngine(t)
	full := map[string]float64{"visual": 80, "narrative": 60, "audio": 40, "video": 40}
	res, err := eng.CalculateMultimodalGlowUp(full, "openai")
	if err != nil {
		t.Fatalf("blend: %v", err)
	}
	if res.Score < 0 || res.Score > 100 {
		t.Fatalf("score out of range: %v", res.Score)
	}
	if res.Confidence <= 0 || res.Confidence > 1 {
		t.Fatalf("confidence out of range: %v", res.Confidence)
	}

	// partial coverage lowers confidence
	partial, err := eng.CalculateMultimodalGlowUp(map[string]float64{"visual": 80}, "openai")
	if err != nil {
		t.Fatal(err)
	}
	if partial.Confidence >= res.Confidence {
		t.Fatalf("partial coverage confidence %v should be below full %v", partial.Confidence, res.Confidence)
	}
}

func TestMultimodalGlowUpProviderDriftBounded(t *testing.T) {
	eng, _ := newTestEngine(t)
	scores := map[string]float64{"visual": 70, "narrative": 55, "audio": 60, "video": 65}
	providers := []string{"openai", "anthropic", "gemini", "unlisted-provider"}
	var lo, hi float64 = 101, -1
	for _, p := range providers {
		res, err := eng.CalculateMultimodalGlowUp(scores, p)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if res.Score < lo {
			lo = res.Score
		}
		if res.Score > hi {
			hi = res.Score
		}
	}
	if hi-lo > 3 {
		t.Fatalf("provider drift %v exceeds tolerance", hi-lo)
	}
}

func seedAgent(t *testing.T, r repo.Repo, id, now string) {
	t.Helper()
	if err := r.InsertAgent(context.Background(), domain.Agent{
		ID: id, StudioName: "studio " + id, TrustTier: 1, Signal: 50, CreatedAt: now,
	}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}
