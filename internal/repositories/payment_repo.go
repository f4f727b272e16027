package repositories

import (
	"context"
	"errors"

	"github.com/gacha-x402/backend/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PaymentRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentRepo(pool *pgxpool.Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

// Claim inserts the payment, or flips an unactuated row for the same command
// back to dispatching. Any other existing row makes the upsert return nothing.
func (r *PaymentRepo) Claim(ctx context.Context, p *models.Payment) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO payments (tx_hash, device_id, command, payer, amount, network, order_id, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'dispatching', 1)
		ON CONFLICT (tx_hash) DO UPDATE
			SET status = 'dispatching', reason = '', attempts = payments.attempts + 1, updated_at = now()
			WHERE payments.status = 'unactuated'
			  AND payments.device_id = EXCLUDED.device_id
			  AND payments.command = EXCLUDED.command
		RETURNING status, attempts, created_at, updated_at
	`, p.TxHash, p.DeviceID, p.Command, p.Payer, p.Amount, p.Network, p.OrderID,
	).Scan(&p.Status, &p.Attempts, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAlreadyClaimed
	}
	return err
}

func (r *PaymentRepo) MarkActuated(ctx context.Context, txHash string) error {
	return r.transition(ctx, txHash, models.PaymentStatusActuated, "")
}

func (r *PaymentRepo) MarkUnactuated(ctx context.Context, txHash, reason string) error {
	return r.transition(ctx, txHash, models.PaymentStatusUnactuated, reason)
}

func (r *PaymentRepo) transition(ctx context.Context, txHash, status, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payments SET status = $1, reason = $2, updated_at = now()
		WHERE tx_hash = $3 AND status = 'dispatching'
	`, status, reason, txHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

const paymentColumns = `tx_hash, device_id, command, payer, amount, network, order_id, status, reason, attempts, created_at, updated_at`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.TxHash, &p.DeviceID, &p.Command, &p.Payer, &p.Amount, &p.Network,
		&p.OrderID, &p.Status, &p.Reason, &p.Attempts, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepo) Get(ctx context.Context, txHash string) (*models.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE tx_hash = $1`, txHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *PaymentRepo) ListByStatus(ctx context.Context, status string, limit int) ([]models.Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = $1 ORDER BY updated_at LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}
