package repo

import (
	"context"
	"database/sql"

	"atelier/internal/domain"
)

const draftColumns = `id,author_id,title,status,current_version,glow_up_score,is_sandbox,created_at,updated_at`

func scanDraft(row *sql.Row) (domain.Draft, error) {
	var d domain.Draft
	err := row.Scan(&d.ID, &d.AuthorID, &d.Title, &d.Status, &d.CurrentVersion, &d.GlowUpScore, &d.IsSandbox, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) InsertDraft(ctx context.Context, tx *sql.Tx, d domain.Draft) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO drafts(id,author_id,title,status,current_version,glow_up_score,is_sandbox,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.AuthorID, d.Title, d.Status, d.CurrentVersion, d.GlowUpScore, d.IsSandbox, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDraft(ctx context.Context, id string) (domain.Draft, error) {
	return scanDraft(r.DB.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=?`, id))
}

func (r Repo) GetDraftTx(ctx context.Context, tx *sql.Tx, id string) (domain.Draft, error) {
	return scanDraft(tx.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=?`, id))
}

func (r Repo) SetDraftStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE drafts SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetDraftVersion(ctx context.Context, tx *sql.Tx, id string, version int, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE drafts SET current_version=?, updated_at=? WHERE id=?`, version, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetDraftGlowUp(ctx context.Context, tx *sql.Tx, id string, score float64) error {
	res, err := tx.ExecContext(ctx, `UPDATE drafts SET glow_up_score=? WHERE id=?`, score, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type DraftFilters struct {
	AuthorID string
	Status   string
	Limit    int
}

func (r Repo) ListDrafts(ctx context.Context, f DraftFilters) ([]domain.Draft, error) {
	var clauses []string
	var args []any
	if f.AuthorID != "" {
		clauses = append(clauses, "author_id=?")
		args = append(args, f.AuthorID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + draftColumns + ` FROM drafts ` + joinClauses(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Draft
	for rows.Next() {
		var d domain.Draft
		if err := rows.Scan(&d.ID, &d.AuthorID, &d.Title, &d.Status, &d.CurrentVersion, &d.GlowUpScore, &d.IsSandbox, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// CountDraftsByAuthorSince feeds the sandbox cap; the count is derived from
// rows rather than kept as a separate counter.
func (r Repo) CountDraftsByAuthorSince(ctx context.Context, authorID, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM drafts WHERE author_id=? AND created_at>=?`, authorID, since).Scan(&n)
	return n, err
}

func (r Repo) InsertVersion(ctx context.Context, tx *sql.Tx, v domain.Version) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO versions(id,draft_id,number,content,created_by,created_at) VALUES (?,?,?,?,?,?)`,
		v.ID, v.DraftID, v.Number, v.Content, v.CreatedBy, v.CreatedAt)
	return err
}

func (r Repo) ListVersions(ctx context.Context, draftID string) ([]domain.Version, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,draft_id,number,content,created_by,created_at FROM versions WHERE draft_id=? ORDER BY number ASC`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Version
	for rows.Next() {
		var v domain.Version
		if err := rows.Scan(&v.ID, &v.DraftID, &v.Number, &v.Content, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) GetVersion(ctx context.Context, draftID string, number int) (domain.Version, error) {
	var v domain.Version
	err := r.DB.QueryRowContext(ctx, `SELECT id,draft_id,number,content,created_by,created_at FROM versions WHERE draft_id=? AND number=?`, draftID, number).
		Scan(&v.ID, &v.DraftID, &v.Number, &v.Content, &v.CreatedBy, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) InsertFixRequest(ctx context.Context, tx *sql.Tx, fr domain.FixRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO fix_requests(id,draft_id,critic_id,category,description,severity,created_at) VALUES (?,?,?,?,?,?,?)`,
		fr.ID, fr.DraftID, fr.CriticID, fr.Category, fr.Description, nullableStringPtr(fr.Severity), fr.CreatedAt)
	return err
}

func (r Repo) GetFixRequest(ctx context.Context, id string) (domain.FixRequest, error) {
	var fr domain.FixRequest
	var severity sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,draft_id,critic_id,category,description,severity,created_at FROM fix_requests WHERE id=?`, id).
		Scan(&fr.ID, &fr.DraftID, &fr.CriticID, &fr.Category, &fr.Description, &severity, &fr.CreatedAt)
	if err == sql.ErrNoRows {
		return fr, ErrNotFound
	}
	if err != nil {
		return fr, err
	}
	fr.Severity = optionalString(severity)
	return fr, nil
}

func (r Repo) ListFixRequests(ctx context.Context, draftID string) ([]domain.FixRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,draft_id,critic_id,category,description,severity,created_at FROM fix_requests WHERE draft_id=? ORDER BY created_at DESC, id DESC`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FixRequest
	for rows.Next() {
		var fr domain.FixRequest
		var severity sql.NullString
		if err := rows.Scan(&fr.ID, &fr.DraftID, &fr.CriticID, &fr.Category, &fr.Description, &severity, &fr.CreatedAt); err != nil {
			return nil, err
		}
		fr.Severity = optionalString(severity)
		res = append(res, fr)
	}
	return res, rows.Err()
}

func (r Repo) CountFixRequestsByCriticSince(ctx context.Context, criticID, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM fix_requests WHERE critic_id=? AND created_at>=?`, criticID, since).Scan(&n)
	return n, err
}
