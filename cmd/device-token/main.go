package main

import (
	"flag"
	"fmt"

	"github.com/gacha-x402/backend/internal/auth"
	"github.com/gacha-x402/backend/internal/config"
	"go.uber.org/zap"
)

// Prints a device token for flashing into firmware or SIM_DEVICE_TOKEN.
func main() {
	deviceID := flag.String("device", "", "device id the token is bound to")
	ttl := flag.Duration("ttl", 0, "token lifetime, 0 for no expiry")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	if cfg.DeviceTokenSecret == "" {
		log.Fatal("DEVICE_TOKEN_SECRET is required")
	}
	if *deviceID == "" {
		log.Fatal("-device is required")
	}

	token, err := auth.GenerateDeviceToken(cfg.DeviceTokenSecret, *deviceID, *ttl)
	if err != nil {
		log.Fatal("failed to create token", zap.Error(err))
	}
	fmt.Println(token)
}
