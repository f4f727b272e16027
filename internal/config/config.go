package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	VerificationChain = "chain"
	VerificationTrust = "trust"
)

type Config struct {
	// Storage (empty = in-memory)
	PostgresDSN   string
	RedisURL      string
	MigrationsDir string

	// Payment
	PaymentRecipient    string
	PaymentNetwork      string // eip155:<chainId>
	PaymentVerification string // chain/trust
	MinConfirmations    int
	QuoteTTL            time.Duration
	RPCURLs             map[string]string // network -> rpc url

	// Fees
	DefaultFee    string
	DeviceFees    map[string]string // deviceId -> fee
	LockedDevices []string
	DeviceOwners  map[string]string // deviceId -> wallet address

	// Devices
	CommandTimeout    time.Duration
	HeartbeatInterval time.Duration
	DeviceTokenSecret string // empty = devices connect without token

	// Rate limit
	RateLimitPerMinute int

	// Worker
	ReconcileInterval time.Duration

	// Client (cmd/pay)
	GatewayURL      string
	PayerPrivateKey string
	JournalPath     string

	// Simulator (cmd/device-sim)
	SimDeviceID     string
	SimGatewayWSURL string
	SimDeviceToken  string
	SimLatency      time.Duration

	// Server
	GatewayPort string
	WorkerPort  string
}

func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		PostgresDSN: getEnv("POSTGRES_DSN", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),

		PaymentRecipient:    getEnv("PAYMENT_RECIPIENT", ""),
		PaymentNetwork:      getEnv("PAYMENT_NETWORK", "eip155:84532"),
		PaymentVerification: strings.ToLower(getEnv("PAYMENT_VERIFICATION", VerificationChain)),
		MinConfirmations:    getEnvInt("MIN_CONFIRMATIONS", 1),
		QuoteTTL:            time.Duration(getEnvPositiveInt("QUOTE_TTL_SECONDS", 600)) * time.Second,
		RPCURLs: map[string]string{
			"eip155:8453":  getEnv("RPC_URL_BASE", "https://mainnet.base.org"),
			"eip155:84532": getEnv("RPC_URL_BASE_SEPOLIA", "https://sepolia.base.org"),
		},

		DefaultFee:    getEnv("DEFAULT_FEE", "0.010"),
		DeviceFees:    parseKVList(getEnv("DEVICE_FEES", "")),
		LockedDevices: parseList(getEnv("LOCKED_DEVICES", "")),
		DeviceOwners:  parseKVList(getEnv("DEVICE_OWNERS", "")),

		CommandTimeout:    time.Duration(getEnvPositiveInt("COMMAND_TIMEOUT_SECONDS", 30)) * time.Second,
		HeartbeatInterval: time.Duration(getEnvPositiveInt("HEARTBEAT_INTERVAL_SECONDS", 30)) * time.Second,
		DeviceTokenSecret: getEnv("DEVICE_TOKEN_SECRET", ""),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),

		ReconcileInterval: time.Duration(getEnvPositiveInt("RECONCILE_INTERVAL_SECONDS", 60)) * time.Second,

		GatewayURL:      getEnv("GATEWAY_URL", "http://localhost:3000"),
		PayerPrivateKey: getEnv("PAYER_PRIVATE_KEY", ""),
		JournalPath:     getEnv("JOURNAL_PATH", "payments.jsonl"),

		SimDeviceID:     getEnv("SIM_DEVICE_ID", "ESP32_001"),
		SimGatewayWSURL: getEnv("SIM_GATEWAY_WS_URL", "ws://localhost:3000/ws/devices"),
		SimDeviceToken:  getEnv("SIM_DEVICE_TOKEN", ""),
		SimLatency:      time.Duration(getEnvInt("SIM_LATENCY_MS", 1500)) * time.Millisecond,

		GatewayPort: getEnv("GATEWAY_PORT", "3000"),
		WorkerPort:  getEnv("WORKER_PORT", "3001"),
	}

	return cfg
}

// RPCURL returns the configured RPC endpoint for a CAIP-2 network.
func (c *Config) RPCURL(network string) string {
	return c.RPCURLs[network]
}

func (c *Config) IsLocked(deviceID string) bool {
	for _, id := range c.LockedDevices {
		if id == deviceID {
			return true
		}
	}
	return false
}

// Validate fails when the gateway could not accept a single payment and warns
// about unsafe settings.
func (c *Config) Validate(log *zap.Logger) error {
	switch c.PaymentVerification {
	case VerificationChain, VerificationTrust:
	default:
		return fmt.Errorf("unknown PAYMENT_VERIFICATION %q", c.PaymentVerification)
	}
	if !common.IsHexAddress(c.PaymentRecipient) {
		if c.PaymentVerification == VerificationChain {
			return fmt.Errorf("PAYMENT_RECIPIENT %q is not an address, no payment could be verified", c.PaymentRecipient)
		}
		log.Warn("PAYMENT_RECIPIENT is not an address, 402 responses will carry it as is")
	}
	if c.PaymentVerification == VerificationTrust {
		log.Warn("PAYMENT_VERIFICATION=trust: payment proofs are NOT checked on-chain, use only with the device simulator")
	}
	if c.PostgresDSN == "" {
		log.Warn("POSTGRES_DSN is not set, fees and payments are kept in memory")
	}
	if c.RedisURL == "" {
		log.Warn("REDIS_URL is not set, quotes are kept in memory and rate limiting is disabled")
	}
	if c.DeviceTokenSecret == "" {
		log.Warn("DEVICE_TOKEN_SECRET is not set, any client may register as a device")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// getEnvPositiveInt is getEnvInt for settings that must be above zero.
func getEnvPositiveInt(key string, fallback int) int {
	if v := getEnvInt(key, fallback); v > 0 {
		return v
	}
	return fallback
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseKVList parses "a=1,b=2" into a map. Malformed pairs are skipped.
func parseKVList(s string) map[string]string {
	out := make(map[string]string)
	for _, p := range parseList(s) {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
