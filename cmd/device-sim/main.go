package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/gacha-x402/backend/internal/auth"
	"github.com/gacha-x402/backend/internal/config"
	"github.com/gacha-x402/backend/internal/simulator"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Mint a token when sharing the gateway's secret, for local setups.
	token := cfg.SimDeviceToken
	if token == "" && cfg.DeviceTokenSecret != "" {
		var err error
		token, err = auth.GenerateDeviceToken(cfg.DeviceTokenSecret, cfg.SimDeviceID, 0)
		if err != nil {
			log.Fatal("failed to create device token", zap.Error(err))
		}
	}

	machine := simulator.NewMachine(simulator.DefaultPrizes, cfg.SimLatency, -1)
	device := simulator.NewDevice(simulator.Config{
		DeviceID:          cfg.SimDeviceID,
		URL:               cfg.SimGatewayWSURL,
		Token:             token,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, machine, log)

	log.Info("device simulator started", zap.String("device_id", cfg.SimDeviceID), zap.String("url", cfg.SimGatewayWSURL))
	if err := device.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("simulator stopped", zap.Error(err))
	}
}
