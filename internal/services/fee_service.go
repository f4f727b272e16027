package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gacha-x402/backend/internal/chain"
	"github.com/gacha-x402/backend/internal/config"
	"github.com/gacha-x402/backend/internal/models"
	"github.com/gacha-x402/backend/internal/repositories"
	"github.com/gacha-x402/backend/internal/x402"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrFeeOutOfRange  = errors.New("fee must be between 0.001 and 999")
	ErrFeePrecision   = errors.New("fee has more than 6 decimal places")
	ErrDeviceLocked   = errors.New("device fee is locked")
	ErrNotDeviceOwner = errors.New("wallet is not the device owner")
)

var (
	MinFee = decimal.RequireFromString("0.001")
	MaxFee = decimal.NewFromInt(999)
)

type FeeService struct {
	store repositories.FeeStore
	audit repositories.AuditLogger
	cfg   *config.Config
	log   *zap.Logger
}

// NewFeeService takes an optional audit logger; nil keeps no trail.
func NewFeeService(store repositories.FeeStore, audit repositories.AuditLogger, cfg *config.Config, log *zap.Logger) *FeeService {
	return &FeeService{store: store, audit: audit, cfg: cfg, log: log}
}

// Seed stores every device named in config with its configured fee, lock and
// owner. Fees changed at runtime survive a restart.
func (s *FeeService) Seed(ctx context.Context) error {
	ids := make(map[string]struct{})
	for id := range s.cfg.DeviceFees {
		ids[id] = struct{}{}
	}
	for id := range s.cfg.DeviceOwners {
		ids[id] = struct{}{}
	}
	for _, id := range s.cfg.LockedDevices {
		ids[id] = struct{}{}
	}

	fees := make([]models.DeviceFee, 0, len(ids))
	for id := range ids {
		fee, err := s.configuredFee(id)
		if err != nil {
			return err
		}
		fees = append(fees, fee)
	}
	if err := s.store.Seed(ctx, fees); err != nil {
		return err
	}
	s.log.Info("device fees seeded", zap.Int("devices", len(fees)), zap.String("default_fee", s.cfg.DefaultFee))
	return nil
}

func (s *FeeService) configuredFee(deviceID string) (models.DeviceFee, error) {
	raw := s.cfg.DefaultFee
	if v, ok := s.cfg.DeviceFees[deviceID]; ok {
		raw = v
	}
	fee, err := decimal.NewFromString(raw)
	if err != nil {
		return models.DeviceFee{}, fmt.Errorf("invalid fee %q for device %s: %w", raw, deviceID, err)
	}
	return models.DeviceFee{
		DeviceID: deviceID,
		Fee:      fee,
		Currency: x402.CurrencyUSDC,
		Locked:   s.cfg.IsLocked(deviceID),
		Owner:    s.cfg.DeviceOwners[deviceID],
	}, nil
}

// CurrentFee returns the stored fee, or the configured default for devices
// that were never priced.
func (s *FeeService) CurrentFee(ctx context.Context, deviceID string) (*models.DeviceFee, error) {
	fee, err := s.store.Get(ctx, deviceID)
	if err == nil {
		return fee, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("load fee for %s: %w", deviceID, err)
	}
	def, err := s.configuredFee(deviceID)
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *FeeService) UpdateFee(ctx context.Context, deviceID string, fee decimal.Decimal, walletAddress string) (*models.DeviceFee, error) {
	if fee.LessThan(MinFee) || fee.GreaterThan(MaxFee) {
		return nil, ErrFeeOutOfRange
	}
	if !fee.Equal(fee.Truncate(chain.USDCDecimals)) {
		return nil, ErrFeePrecision
	}

	current, err := s.CurrentFee(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if current.Locked {
		s.record(ctx, models.AuditActionFeeRejected, deviceID, walletAddress, "", map[string]any{"fee": FormatFee(fee), "reason": ErrDeviceLocked.Error()})
		return nil, ErrDeviceLocked
	}
	if current.Owner != "" && !strings.EqualFold(strings.TrimSpace(walletAddress), current.Owner) {
		s.log.Warn("fee update by non-owner rejected",
			zap.String("device_id", deviceID),
			zap.String("wallet", walletAddress),
		)
		s.record(ctx, models.AuditActionFeeRejected, deviceID, walletAddress, "", map[string]any{"fee": FormatFee(fee), "reason": ErrNotDeviceOwner.Error()})
		return nil, ErrNotDeviceOwner
	}

	updated := &models.DeviceFee{
		DeviceID: deviceID,
		Fee:      fee,
		Currency: x402.CurrencyUSDC,
		Locked:   current.Locked,
		Owner:    current.Owner,
	}
	if err := s.store.SetFee(ctx, updated); err != nil {
		return nil, fmt.Errorf("save fee for %s: %w", deviceID, err)
	}

	s.log.Info("device fee updated",
		zap.String("device_id", deviceID),
		zap.String("old_fee", FormatFee(current.Fee)),
		zap.String("new_fee", FormatFee(fee)),
		zap.String("wallet", walletAddress),
	)
	actorType := "operator"
	if current.Owner != "" {
		actorType = "owner"
	}
	s.record(ctx, models.AuditActionFeeUpdated, deviceID, walletAddress, actorType, map[string]any{
		"old_fee": FormatFee(current.Fee),
		"new_fee": FormatFee(fee),
	})
	return updated, nil
}

// History lists audited fee changes for a device, newest first.
func (s *FeeService) History(ctx context.Context, deviceID string, limit int) ([]models.AuditLog, error) {
	if s.audit == nil {
		return []models.AuditLog{}, nil
	}
	return s.audit.ListByEntity(ctx, models.AuditEntityDevice, deviceID, limit)
}

func (s *FeeService) record(ctx context.Context, action, deviceID, wallet, actorType string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if actorType == "" {
		actorType = "operator"
	}
	err := s.audit.Log(ctx, models.AuditLog{
		Actor:      strings.TrimSpace(wallet),
		ActorType:  actorType,
		Action:     action,
		EntityType: models.AuditEntityDevice,
		EntityID:   deviceID,
		Meta:       meta,
	})
	if err != nil {
		s.log.Warn("failed to write audit log", zap.String("device_id", deviceID), zap.String("action", action), zap.Error(err))
	}
}

// FormatFee renders a fee with at least three decimals ("0.010", "1.000",
// "0.0125") and at most USDC precision.
func FormatFee(d decimal.Decimal) string {
	d = d.Truncate(chain.USDCDecimals)
	places := int32(3)
	if s := d.String(); strings.Contains(s, ".") {
		if n := int32(len(s) - strings.Index(s, ".") - 1); n > places {
			places = n
		}
	}
	return d.StringFixed(places)
}
