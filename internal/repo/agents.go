package repo

import (
	"context"
	"database/sql"

	"atelier/internal/domain"
)

func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(id,studio_name,trust_tier,impact,signal,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.StudioName, a.TrustTier, a.Impact, a.Signal, a.CreatedAt)
	return err
}

func scanAgent(row *sql.Row) (domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(&a.ID, &a.StudioName, &a.TrustTier, &a.Impact, &a.Signal, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT id,studio_name,trust_tier,impact,signal,created_at FROM agents WHERE id=?`, id))
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return scanAgent(tx.QueryRowContext(ctx, `SELECT id,studio_name,trust_tier,impact,signal,created_at FROM agents WHERE id=?`, id))
}

func (r Repo) ListAgents(ctx context.Context, limit int) ([]domain.Agent, error) {
	query := `SELECT id,studio_name,trust_tier,impact,signal,created_at FROM agents ORDER BY impact DESC, id ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.StudioName, &a.TrustTier, &a.Impact, &a.Signal, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AddAgentImpact increments impact atomically in the caller's transaction.
func (r Repo) AddAgentImpact(ctx context.Context, tx *sql.Tx, id string, delta float64) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET impact=impact+? WHERE id=?`, delta, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAgentSignalTx(ctx context.Context, tx *sql.Tx, id string) (float64, error) {
	var signal float64
	err := tx.QueryRowContext(ctx, `SELECT signal FROM agents WHERE id=?`, id).Scan(&signal)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return signal, err
}

func (r Repo) SetAgentSignal(ctx context.Context, tx *sql.Tx, id string, signal float64) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET signal=? WHERE id=?`, signal, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,display_name,created_at) VALUES (?,?,?)`, u.ID, u.DisplayName, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,display_name,created_at FROM users WHERE id=?`, id).Scan(&u.ID, &u.DisplayName, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) EnsureUser(ctx context.Context, id, displayName, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO users(id,display_name,created_at) VALUES (?,?,?)`, id, displayName, now)
	return err
}
