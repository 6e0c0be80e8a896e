package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"atelier/internal/domain"
)

const commissionColumns = `id,user_id,description,reference_images_json,reward_amount,currency,payment_status,status,winner_draft_id,escrowed_at,completed_at,paid_out_at,refunded_at,created_at`

func (r Repo) InsertCommission(ctx context.Context, tx *sql.Tx, c domain.Commission) error {
	var refs *string
	if len(c.ReferenceImages) > 0 {
		b, err := json.Marshal(c.ReferenceImages)
		if err != nil {
			return err
		}
		s := string(b)
		refs = &s
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO commissions(id,user_id,description,reference_images_json,reward_amount,currency,payment_status,status,winner_draft_id,escrowed_at,completed_at,paid_out_at,refunded_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.UserID, c.Description, nullableStringPtr(refs), nullableFloatPtr(c.RewardAmount), c.Currency, c.PaymentStatus, c.Status,
		nullableStringPtr(c.WinnerDraftID), nullableStringPtr(c.EscrowedAt), nullableStringPtr(c.CompletedAt), nullableStringPtr(c.PaidOutAt), nullableStringPtr(c.RefundedAt), c.CreatedAt)
	return err
}

func scanCommission(scan func(dest ...any) error) (domain.Commission, error) {
	var c domain.Commission
	var refs, winner, escrowedAt, completedAt, paidOutAt, refundedAt sql.NullString
	var reward sql.NullFloat64
	err := scan(&c.ID, &c.UserID, &c.Description, &refs, &reward, &c.Currency, &c.PaymentStatus, &c.Status, &winner, &escrowedAt, &completedAt, &paidOutAt, &refundedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if refs.Valid && refs.String != "" {
		if err := json.Unmarshal([]byte(refs.String), &c.ReferenceImages); err != nil {
			return c, err
		}
	}
	if reward.Valid {
		v := reward.Float64
		c.RewardAmount = &v
	}
	c.WinnerDraftID = optionalString(winner)
	c.EscrowedAt = optionalString(escrowedAt)
	c.CompletedAt = optionalString(completedAt)
	c.PaidOutAt = optionalString(paidOutAt)
	c.RefundedAt = optionalString(refundedAt)
	return c, nil
}

func (r Repo) GetCommission(ctx context.Context, id string) (domain.Commission, error) {
	return scanCommission(r.DB.QueryRowContext(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE id=?`, id).Scan)
}

func (r Repo) GetCommissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Commission, error) {
	return scanCommission(tx.QueryRowContext(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE id=?`, id).Scan)
}

type CommissionFilters struct {
	UserID    string
	Status    string
	ForAgents bool
	Limit     int
}

func (r Repo) ListCommissions(ctx context.Context, f CommissionFilters) ([]domain.Commission, error) {
	var clauses []string
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ForAgents {
		// Studios only see funded-and-escrowed or reward-free briefs.
		clauses = append(clauses, "(payment_status='escrowed' OR reward_amount IS NULL)")
	}
	query := `SELECT ` + commissionColumns + ` FROM commissions ` + joinClauses(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Commission
	for rows.Next() {
		c, err := scanCommission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountOpenCommissionsByUserSince derives the per-user creation cap from
// historical rows at decision time.
func (r Repo) CountOpenCommissionsByUserSince(ctx context.Context, userID, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM commissions WHERE user_id=? AND status='open' AND created_at>=?`, userID, since).Scan(&n)
	return n, err
}

func (r Repo) MarkCommissionEscrowed(ctx context.Context, tx *sql.Tx, id, escrowedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE commissions SET payment_status='escrowed', escrowed_at=? WHERE id=?`, escrowedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkCommissionCompleted(ctx context.Context, tx *sql.Tx, id, winnerDraftID, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE commissions SET status='completed', winner_draft_id=?, completed_at=? WHERE id=?`, winnerDraftID, completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkCommissionPaidOut(ctx context.Context, tx *sql.Tx, id, paidOutAt string) error {
	// No-op when not escrowed; winner selection tolerates unfunded briefs.
	_, err := tx.ExecContext(ctx, `UPDATE commissions SET payment_status='paid_out', paid_out_at=? WHERE id=? AND payment_status='escrowed'`, paidOutAt, id)
	return err
}

func (r Repo) MarkCommissionCancelled(ctx context.Context, tx *sql.Tx, id string, refund bool, refundedAt string) error {
	var res sql.Result
	var err error
	if refund {
		res, err = tx.ExecContext(ctx, `UPDATE commissions SET status='cancelled', payment_status='refunded', refunded_at=? WHERE id=?`, refundedAt, id)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE commissions SET status='cancelled' WHERE id=?`, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkCommissionRefunded(ctx context.Context, tx *sql.Tx, id, refundedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE commissions SET payment_status='refunded', refunded_at=? WHERE id=?`, refundedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkCommissionPaymentFailed(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE commissions SET payment_status='failed' WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertCommissionResponse attaches a draft to a commission. Duplicate
// (commission, draft) pairs are ignored; applied reports whether a row was
// written.
func (r Repo) UpsertCommissionResponse(ctx context.Context, tx *sql.Tx, resp domain.CommissionResponse) (applied bool, err error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO commission_responses(commission_id,draft_id,agent_id,created_at) VALUES (?,?,?,?)`,
		resp.CommissionID, resp.DraftID, resp.AgentID, resp.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListCommissionResponses(ctx context.Context, commissionID string) ([]domain.CommissionResponse, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT commission_id,draft_id,agent_id,created_at FROM commission_responses WHERE commission_id=? ORDER BY created_at ASC`, commissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CommissionResponse
	for rows.Next() {
		var cr domain.CommissionResponse
		if err := rows.Scan(&cr.CommissionID, &cr.DraftID, &cr.AgentID, &cr.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, cr)
	}
	return res, rows.Err()
}

// InsertPaymentEventIfAbsent records a provider event once. A replay of the
// same (provider, provider_event_id) pair reports applied=false without
// surfacing the uniqueness constraint to callers.
func (r Repo) InsertPaymentEventIfAbsent(ctx context.Context, tx *sql.Tx, ev domain.PaymentEvent) (applied bool, err error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO payment_events(id,provider,provider_event_id,commission_id,event_type,payload_json,received_at)
VALUES (?,?,?,?,?,?,?)`,
		ev.ID, ev.Provider, ev.ProviderEventID, nullableStringPtr(ev.CommissionID), ev.EventType, nullable(ev.PayloadJSON), ev.ReceivedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListPaymentEvents(ctx context.Context, commissionID string) ([]domain.PaymentEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,provider,provider_event_id,commission_id,event_type,payload_json,received_at FROM payment_events WHERE commission_id=? ORDER BY received_at ASC`, commissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PaymentEvent
	for rows.Next() {
		var ev domain.PaymentEvent
		var commission, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Provider, &ev.ProviderEventID, &commission, &ev.EventType, &payload, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		ev.CommissionID = optionalString(commission)
		if payload.Valid {
			ev.PayloadJSON = payload.String
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
