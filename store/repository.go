package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"gigflow/network"
)

var (
	// ErrDuplicateDelivery signals the delivery id is already in the ledger.
	ErrDuplicateDelivery = errors.New("store: duplicate delivery")
	// ErrStaleOrder is returned when a newer delivery already updated the order row.
	ErrStaleOrder = errors.New("store: stale order update")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// InsertDelivery appends one transaction inside the active database transaction.
func (r *Repository) InsertDelivery(ctx context.Context, tx pgx.Tx, d network.Transaction) error {
	const insertSQL = `
INSERT INTO deliveries (id, seq, sender, recipient, template, op, query_id, value, bounced, success, exit_code, error, delivered_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
`
	_, err := tx.Exec(ctx, insertSQL,
		d.ID, int64(d.Seq), d.From.String(), d.To.String(), d.Template, d.Op.String(),
		int64(d.QueryID), int64(d.Value), d.Bounced, d.Success, int32(d.ExitCode), d.Error, d.Time,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateDelivery
		}
		return fmt.Errorf("store: insert delivery: %w", err)
	}
	return nil
}

// ApplyOrder upserts the order row and, when the status moved, appends a
// timeline event and an outbox message in the same transaction.
func (r *Repository) ApplyOrder(ctx context.Context, tx pgx.Tx, st OrderState) error {
	var (
		current string
		seq     int64
	)
	err := tx.QueryRow(ctx, `SELECT status, updated_seq FROM orders WHERE idx=$1 FOR UPDATE`, int64(st.Index)).Scan(&current, &seq)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if err := r.insertOrder(ctx, tx, st); err != nil {
			return err
		}
		return r.recordTransition(ctx, tx, st, "", TimelineOrderCreated)
	case err != nil:
		return fmt.Errorf("store: fetch order: %w", err)
	}

	if uint64(seq) >= st.Seq {
		return ErrStaleOrder
	}

	if _, err := tx.Exec(ctx, `
        UPDATE orders
        SET status=$1,
            freelancer=$2,
            price=$3,
            fee=$4,
            deadline=$5,
            updated_seq=$6,
            updated_at=now()
        WHERE idx=$7
    `, string(st.Status), st.Freelancer, st.Price, st.Fee, st.Deadline, int64(st.Seq), int64(st.Index)); err != nil {
		return fmt.Errorf("store: update order: %w", err)
	}

	if current == string(st.Status) {
		return nil
	}
	return r.recordTransition(ctx, tx, st, current, TimelineOrderStatusChanged)
}

func (r *Repository) insertOrder(ctx context.Context, tx pgx.Tx, st OrderState) error {
	const insertSQL = `
INSERT INTO orders (idx, address, status, category, customer, freelancer, price, fee, deadline, updated_seq)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`
	if _, err := tx.Exec(ctx, insertSQL,
		int64(st.Index), st.Address, string(st.Status), st.Category, st.Customer, st.Freelancer,
		st.Price, st.Fee, st.Deadline, int64(st.Seq),
	); err != nil {
		return fmt.Errorf("store: insert order: %w", err)
	}
	return nil
}

func (r *Repository) recordTransition(ctx context.Context, tx pgx.Tx, st OrderState, previous, eventType string) error {
	payload := map[string]any{
		"order_index":     st.Index,
		"previous_status": previous,
		"next_status":     string(st.Status),
	}
	if st.Freelancer != nil {
		payload["freelancer"] = *st.Freelancer
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO timeline_events (order_idx, seq, type, payload)
        VALUES ($1,$2,$3,$4::jsonb)
    `, int64(st.Index), int64(st.Seq), eventType, toJSON(payload)); err != nil {
		return fmt.Errorf("store: insert timeline: %w", err)
	}

	if err := r.enqueueOutbox(ctx, tx, OutboxTopicOrderStatusChanged, map[string]any{
		"order_index": st.Index,
		"previous":    previous,
		"next":        string(st.Status),
	}); err != nil {
		return err
	}

	if st.Payout == nil || !st.Status.Terminal() {
		return nil
	}
	return r.enqueueOutbox(ctx, tx, OutboxTopicOrderSettled, map[string]any{
		"order_index": st.Index,
		"status":      string(st.Status),
		"customer":    st.Customer,
		"payout":      st.Payout,
	})
}

func (r *Repository) enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2::jsonb);
`
	if _, err := tx.Exec(ctx, insertSQL, topic, toJSON(payload)); err != nil {
		return fmt.Errorf("store: insert outbox message: %w", err)
	}
	return nil
}

func toJSON(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return string(b)
}
