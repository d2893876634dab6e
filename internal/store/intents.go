package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ordercore/internal/model"
)

const intentSelectCols = `SELECT intent_id, client_id, type, payload, status, claim_token, created_at, updated_at`

// EnqueueIntent inserts a new PENDING intent row.
func (r *Repository) EnqueueIntent(ctx context.Context, in *model.IntentRow) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO control_intents (intent_id, client_id, type, payload, status, claim_token)
		VALUES (?, ?, ?, ?, ?, ?)`,
		in.IntentID, in.ClientID, string(in.Type), in.Payload, string(in.Status), in.ClaimToken)
	if err != nil {
		return fmt.Errorf("enqueuing intent %s: %w", in.IntentID, err)
	}
	return nil
}

// ClaimNext atomically claims the oldest PENDING row matching typeFilter for
// a worker. Exactly one consumer receives a given row: the UPDATE's WHERE
// clause re-checks status=PENDING so a concurrent claimant's UPDATE affects
// zero rows, and modernc.org/sqlite's single-writer connection pool (see
// Open) serializes the two statements against interleaving writers.
func (r *Repository) ClaimNext(ctx context.Context, clientID string, types []model.IntentType, claimToken string) (*model.IntentRow, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	placeholders := ""
	args := []interface{}{clientID}
	for i, t := range types {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(t))
	}

	row := tx.QueryRowContext(ctx, intentSelectCols+`
		FROM control_intents
		WHERE client_id = ? AND status = 'PENDING' AND type IN (`+placeholders+`)
		ORDER BY created_at ASC LIMIT 1`, args...)

	in, err := scanIntent(row)
	if err == sql.ErrNoRows || err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE control_intents SET status = 'CLAIMED', claim_token = ?
		WHERE intent_id = ? AND status = 'PENDING'`, claimToken, in.IntentID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// lost the race to another claimant; caller retries next tick
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	in.Status = model.IntentClaimed
	in.ClaimToken = claimToken
	return in, nil
}

// SetIntentResult records the per-leg (or other structured) outcome of
// processing an intent, for audit and CLI inspection. Callable regardless
// of the row's current status.
func (r *Repository) SetIntentResult(ctx context.Context, intentID string, result []byte) error {
	_, err := r.db.ExecContext(ctx, `UPDATE control_intents SET result = ? WHERE intent_id = ?`, result, intentID)
	return err
}

// MarkTerminal transitions a CLAIMED row to COMPLETED or FAILED. Terminal is
// final: a second call for the same row is a no-op (WHERE status='CLAIMED').
func (r *Repository) MarkTerminal(ctx context.Context, intentID string, status model.IntentStatus) error {
	if status != model.IntentCompleted && status != model.IntentFailed {
		return fmt.Errorf("MarkTerminal: %s is not a terminal intent status", status)
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE control_intents SET status = ? WHERE intent_id = ? AND status = 'CLAIMED'`,
		string(status), intentID)
	return err
}

// ResetStaleClaims resets CLAIMED rows whose updated_at is older than the
// recovery timeout back to PENDING, per spec.md §4.8.
func (r *Repository) ResetStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE control_intents SET status = 'PENDING', claim_token = ''
		WHERE status = 'CLAIMED' AND updated_at < ?`, olderThan.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanIntent(row rowScanner) (*model.IntentRow, error) {
	var in model.IntentRow
	var typ, status string
	var createdAt, updatedAt time.Time
	err := row.Scan(&in.IntentID, &in.ClientID, &typ, &in.Payload, &status, &in.ClaimToken, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	in.Type = model.IntentType(typ)
	in.Status = model.IntentStatus(status)
	in.CreatedAt = createdAt
	in.UpdatedAt = updatedAt
	return &in, nil
}
