package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/gacha-x402/backend/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type FeeRepo struct {
	pool *pgxpool.Pool
}

func NewFeeRepo(pool *pgxpool.Pool) *FeeRepo {
	return &FeeRepo{pool: pool}
}

func scanFee(row pgx.Row) (*models.DeviceFee, error) {
	var (
		f   models.DeviceFee
		fee string
	)
	if err := row.Scan(&f.DeviceID, &fee, &f.Currency, &f.Locked, &f.Owner, &f.UpdatedAt); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(fee)
	if err != nil {
		return nil, fmt.Errorf("device %s has invalid fee %q: %w", f.DeviceID, fee, err)
	}
	f.Fee = d
	return &f, nil
}

func (r *FeeRepo) Get(ctx context.Context, deviceID string) (*models.DeviceFee, error) {
	f, err := scanFee(r.pool.QueryRow(ctx, `
		SELECT device_id, fee::text, currency, locked, owner, updated_at
		FROM device_fees WHERE device_id = $1
	`, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

func (r *FeeRepo) List(ctx context.Context) ([]models.DeviceFee, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT device_id, fee::text, currency, locked, owner, updated_at
		FROM device_fees ORDER BY device_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fees []models.DeviceFee
	for rows.Next() {
		f, err := scanFee(rows)
		if err != nil {
			return nil, err
		}
		fees = append(fees, *f)
	}
	return fees, rows.Err()
}

func (r *FeeRepo) SetFee(ctx context.Context, f *models.DeviceFee) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO device_fees (device_id, fee, currency, locked, owner)
		VALUES ($1, $2::numeric, $3, $4, $5)
		ON CONFLICT (device_id) DO UPDATE SET fee = EXCLUDED.fee, currency = EXCLUDED.currency, updated_at = now()
		RETURNING locked, owner, updated_at
	`, f.DeviceID, f.Fee.String(), f.Currency, f.Locked, f.Owner).Scan(&f.Locked, &f.Owner, &f.UpdatedAt)
}

func (r *FeeRepo) Seed(ctx context.Context, fees []models.DeviceFee) error {
	batch := &pgx.Batch{}
	for _, f := range fees {
		batch.Queue(`
			INSERT INTO device_fees (device_id, fee, currency, locked, owner)
			VALUES ($1, $2::numeric, $3, $4, $5)
			ON CONFLICT (device_id) DO UPDATE SET locked = EXCLUDED.locked, owner = EXCLUDED.owner
		`, f.DeviceID, f.Fee.String(), f.Currency, f.Locked, f.Owner)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed device fees: %w", err)
	}
	return nil
}
