package repo

import (
	"context"
	"database/sql"

	"atelier/internal/domain"
)

const pullRequestColumns = `id,draft_id,maker_id,proposed_version,proposed_content,description,severity,status,rejection_reason,feedback,created_at,decided_at`

func (r Repo) InsertPullRequest(ctx context.Context, tx *sql.Tx, pr domain.PullRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pull_requests(id,draft_id,maker_id,proposed_version,proposed_content,description,severity,status,rejection_reason,feedback,created_at,decided_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		pr.ID, pr.DraftID, pr.MakerID, pr.ProposedVersion, pr.ProposedContent, pr.Description, pr.Severity, pr.Status,
		nullableStringPtr(pr.RejectionReason), nullableStringPtr(pr.Feedback), pr.CreatedAt, nullableStringPtr(pr.DecidedAt))
	if err != nil {
		return err
	}
	for _, fixID := range pr.AddressedFixRequests {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO pull_request_fixes(pull_request_id,fix_request_id) VALUES (?,?)`, pr.ID, fixID); err != nil {
			return err
		}
	}
	return nil
}

func scanPullRequest(scan func(dest ...any) error) (domain.PullRequest, error) {
	var pr domain.PullRequest
	var rejection, feedback, decidedAt sql.NullString
	err := scan(&pr.ID, &pr.DraftID, &pr.MakerID, &pr.ProposedVersion, &pr.ProposedContent, &pr.Description, &pr.Severity, &pr.Status, &rejection, &feedback, &pr.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return pr, ErrNotFound
	}
	if err != nil {
		return pr, err
	}
	pr.RejectionReason = optionalString(rejection)
	pr.Feedback = optionalString(feedback)
	pr.DecidedAt = optionalString(decidedAt)
	return pr, nil
}

func (r Repo) getPullRequest(ctx context.Context, q querier, id string) (domain.PullRequest, error) {
	pr, err := scanPullRequest(q.QueryRowContext(ctx, `SELECT `+pullRequestColumns+` FROM pull_requests WHERE id=?`, id).Scan)
	if err != nil {
		return pr, err
	}
	fixes, err := r.listAddressedFixRequests(ctx, q, id)
	if err != nil {
		return pr, err
	}
	pr.AddressedFixRequests = fixes
	return pr, nil
}

func (r Repo) GetPullRequest(ctx context.Context, id string) (domain.PullRequest, error) {
	return r.getPullRequest(ctx, r.DB, id)
}

func (r Repo) GetPullRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.PullRequest, error) {
	return r.getPullRequest(ctx, tx, id)
}

func (r Repo) listAddressedFixRequests(ctx context.Context, q querier, prID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT fix_request_id FROM pull_request_fixes WHERE pull_request_id=?`, prID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdatePullRequestDecision stamps the terminal status. Only pending rows are
// touched so a concurrent decision loses cleanly.
func (r Repo) UpdatePullRequestDecision(ctx context.Context, tx *sql.Tx, id, status string, rejectionReason, feedback *string, decidedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE pull_requests SET status=?, rejection_reason=?, feedback=?, decided_at=? WHERE id=? AND status='pending'`,
		status, nullableStringPtr(rejectionReason), nullableStringPtr(feedback), decidedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type PullRequestFilters struct {
	DraftID string
	MakerID string
	Status  string
	Limit   int
}

func (r Repo) ListPullRequests(ctx context.Context, f PullRequestFilters) ([]domain.PullRequest, error) {
	var clauses []string
	var args []any
	if f.DraftID != "" {
		clauses = append(clauses, "draft_id=?")
		args = append(args, f.DraftID)
	}
	if f.MakerID != "" {
		clauses = append(clauses, "maker_id=?")
		args = append(args, f.MakerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + pullRequestColumns + ` FROM pull_requests ` + joinClauses(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PullRequest
	for rows.Next() {
		pr, err := scanPullRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, pr)
	}
	return res, rows.Err()
}

// CountMergedBySeverity tallies a draft's merged pull requests for the
// glow-up recalculation, inside the caller's transaction.
func (r Repo) CountMergedBySeverity(ctx context.Context, tx *sql.Tx, draftID string) (major, minor int, err error) {
	rows, err := tx.QueryContext(ctx, `SELECT severity, count(*) FROM pull_requests WHERE draft_id=? AND status='merged' GROUP BY severity`, draftID)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var severity string
		var n int
		if err := rows.Scan(&severity, &n); err != nil {
			return 0, 0, err
		}
		switch severity {
		case "major":
			major = n
		case "minor":
			minor = n
		}
	}
	return major, minor, rows.Err()
}

func (r Repo) CountPullRequestsByMakerSince(ctx context.Context, makerID, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM pull_requests WHERE maker_id=? AND created_at>=?`, makerID, since).Scan(&n)
	return n, err
}

func (r Repo) CountMajorPullRequestsByMakerSince(ctx context.Context, makerID, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM pull_requests WHERE maker_id=? AND severity='major' AND created_at>=?`, makerID, since).Scan(&n)
	return n, err
}

func (r Repo) InsertStake(ctx context.Context, tx *sql.Tx, s domain.ObserverStake) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO observer_stakes(id,pull_request_id,observer_id,prediction,points,outcome,created_at,resolved_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.PullRequestID, s.ObserverID, s.Prediction, s.Points, nullableStringPtr(s.Outcome), s.CreatedAt, nullableStringPtr(s.ResolvedAt))
	return err
}

func (r Repo) StakeExists(ctx context.Context, tx *sql.Tx, prID, observerID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM observer_stakes WHERE pull_request_id=? AND observer_id=? LIMIT 1`, prID, observerID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ResolveStakes settles every open stake on a decided pull request.
func (r Repo) ResolveStakes(ctx context.Context, tx *sql.Tx, prID, decision, resolvedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE observer_stakes
SET outcome = CASE WHEN prediction=? THEN 'won' ELSE 'lost' END, resolved_at=?
WHERE pull_request_id=? AND outcome IS NULL`, decision, resolvedAt, prID)
	return err
}

func (r Repo) ListStakes(ctx context.Context, prID string) ([]domain.ObserverStake, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,pull_request_id,observer_id,prediction,points,outcome,created_at,resolved_at FROM observer_stakes WHERE pull_request_id=? ORDER BY created_at ASC`, prID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ObserverStake
	for rows.Next() {
		var s domain.ObserverStake
		var outcome, resolvedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.PullRequestID, &s.ObserverID, &s.Prediction, &s.Points, &outcome, &s.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		s.Outcome = optionalString(outcome)
		s.ResolvedAt = optionalString(resolvedAt)
		res = append(res, s)
	}
	return res, rows.Err()
}
