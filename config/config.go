// Package config holds the gateway's TOML configuration. A file is decoded
// over built-in defaults, then environment variables override the secret
// fields so deployments never write key material to disk.
//
// Section and field names map one to one onto the dotted option names of the
// public documentation: chain.rpc.urls is [Chain] RPCURLs, wallet.hotThreshold
// is [Wallet] HotThreshold, and so on.
package config

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/naoina/toml"
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if len(rt.Name()) > 0 && unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see %s for available fields", rt.PkgPath())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// ChainConfig selects the BEP20 network, the token contract and the gas
// policy for outbound transfers.
type ChainConfig struct {
	RPCURLs []string // ordered JSON-RPC endpoints, first is preferred
	WSURLs  []string // ordered websocket endpoints for the push subscription

	ChainID       int64
	TokenContract string // BEP20 contract address
	Confirmations uint64 // blocks before a transfer is final

	GasPrice     string // base gas price in wei; broadcasts apply a 1.2 factor
	GasLimit     uint64
	RPCTimeoutMs int64
}

// WalletConfig controls HD derivation and treasury policy.
type WalletConfig struct {
	HDBasePath        string // derivation prefix, e.g. m/44'/60'/0'/0
	Mnemonic          string // BIP39 mnemonic, usually injected via env
	Seed              string // hex master seed, alternative to Mnemonic
	AddressLifetimeMs int64  // issued address validity window
	HotThreshold      string // decimal token amount triggering cold storage
	GasReserveWei     string // native-coin balance a hot wallet must hold before a cold transfer
	ColdAddress       string
	Currency          string // token symbol stamped on issued addresses
}

// QueueConfig configures the AMQP broker and the retry contract.
type QueueConfig struct {
	URL                 string
	MaxRetries          int
	RetryDelayMs        int64 // dead-letter TTL before a retry redelivers
	UseBackoff          bool  // grow the delay with the retry count
	HealthCheckMs       int64 // broker probe interval while degraded
	StoreFailedMessages bool  // persist exhausted deliveries for replay
	Prefetch            int
}

// PaymentConfig holds the amount-tolerance policy.
type PaymentConfig struct {
	UnderpaymentTolerancePct float64
	OverpaymentTolerancePct  float64
}

// SecurityConfig holds key material and API authentication settings.
type SecurityConfig struct {
	EncryptionKey    string // 32-byte hex key for the private-key vault
	WebhookSecret    string // fallback secret for endpoints created without one
	APIKeySaltRounds int    // bcrypt cost for stored API secrets
}

// WebhookConfig controls outbound delivery retries.
type WebhookConfig struct {
	MaxRetries   int
	RetryDelayMs int64 // base of the exponential retry schedule
}

// StoreConfig points at Postgres and Redis.
type StoreConfig struct {
	DSN           string
	MaxOpenConns  int
	MaxIdleConns  int
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// APIConfig configures the merchant-facing REST listener.
type APIConfig struct {
	Listen             string
	RateLimitPerMinute int
}

// SettleConfig holds the settlement schedules. Schedules use the cron spec
// syntax, including @every shorthands.
type SettleConfig struct {
	SweepSchedule string // confirmed-payment sweep cadence
	ColdSchedule  string // hot-to-cold threshold check cadence
}

// ObserverConfig tunes chain ingestion.
type ObserverConfig struct {
	PollIntervalMs int64 // pull-poller cadence while push is down
	ExpiryScanMs   int64 // address expiry sweep cadence
	ExpiredGraceMs int64 // how long expired addresses stay matched for late payments
}

// Config is the root of the TOML document.
type Config struct {
	Chain    ChainConfig
	Wallet   WalletConfig
	Queue    QueueConfig
	Payment  PaymentConfig
	Security SecurityConfig
	Webhook  WebhookConfig
	Store    StoreConfig
	API      APIConfig
	Settle   SettleConfig
	Observer ObserverConfig
}

// Defaults returns the configuration used when no file is supplied. Secret
// fields are empty and must come from the file or the environment.
func Defaults() *Config {
	return &Config{
		Chain: ChainConfig{
			ChainID:       56,
			Confirmations: 6,
			GasPrice:      "5000000000",
			GasLimit:      100000,
			RPCTimeoutMs:  10000,
		},
		Wallet: WalletConfig{
			HDBasePath:        "m/44'/60'/0'/0",
			AddressLifetimeMs: 3600000,
			HotThreshold:      "10000",
			GasReserveWei:     "5000000000000000", // 0.005 BNB
			Currency:          "USDT",
		},
		Queue: QueueConfig{
			MaxRetries:          3,
			RetryDelayMs:        60000,
			UseBackoff:          true,
			HealthCheckMs:       30000,
			StoreFailedMessages: true,
			Prefetch:            8,
		},
		Payment: PaymentConfig{
			UnderpaymentTolerancePct: 1.0,
			OverpaymentTolerancePct:  0.5,
		},
		Security: SecurityConfig{
			APIKeySaltRounds: 10,
		},
		Webhook: WebhookConfig{
			MaxRetries:   5,
			RetryDelayMs: 15000,
		},
		Store: StoreConfig{
			MaxOpenConns: 16,
			MaxIdleConns: 4,
			RedisAddr:    "127.0.0.1:6379",
		},
		API: APIConfig{
			Listen:             ":8080",
			RateLimitPerMinute: 100,
		},
		Settle: SettleConfig{
			SweepSchedule: "@every 5m",
			ColdSchedule:  "@every 30m",
		},
		Observer: ObserverConfig{
			PollIntervalMs: 30000,
			ExpiryScanMs:   60000,
			ExpiredGraceMs: 86400000,
		},
	}
}

// Load reads path over Defaults and applies environment overrides. An empty
// path skips the file step.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := tomlSettings.NewDecoder(f).Decode(cfg); err != nil {
			if _, ok := err.(*toml.LineError); ok {
				err = errors.New(path + ", " + err.Error())
			}
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Dump writes the effective configuration as TOML.
func (c *Config) Dump(w io.Writer) error {
	return tomlSettings.NewEncoder(w).Encode(c)
}

// applyEnv overrides secret-bearing fields from the environment.
func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Security.EncryptionKey, "BPGW_ENCRYPTION_KEY")
	set(&c.Security.WebhookSecret, "BPGW_WEBHOOK_SECRET")
	set(&c.Wallet.Mnemonic, "BPGW_WALLET_MNEMONIC")
	set(&c.Wallet.Seed, "BPGW_WALLET_SEED")
	set(&c.Store.DSN, "BPGW_DB_DSN")
	set(&c.Store.RedisPassword, "BPGW_REDIS_PASSWORD")
	set(&c.Queue.URL, "BPGW_QUEUE_URL")
}

// Validate rejects configurations the services cannot start with.
func (c *Config) Validate() error {
	if len(c.Chain.RPCURLs) == 0 {
		return errors.New("chain: at least one RPC URL is required")
	}
	if c.Chain.TokenContract == "" || !common.IsHexAddress(c.Chain.TokenContract) {
		return fmt.Errorf("chain: invalid token contract %q", c.Chain.TokenContract)
	}
	if c.Chain.Confirmations == 0 {
		return errors.New("chain: confirmations must be at least 1")
	}
	if len(c.Security.EncryptionKey) != 64 {
		return errors.New("security: encryption key must be 32 bytes of hex")
	}
	if c.Security.APIKeySaltRounds < 4 || c.Security.APIKeySaltRounds > 31 {
		return fmt.Errorf("security: salt rounds %d outside bcrypt range", c.Security.APIKeySaltRounds)
	}
	if c.Wallet.Mnemonic == "" && c.Wallet.Seed == "" {
		return errors.New("wallet: a mnemonic or master seed is required")
	}
	if c.Wallet.ColdAddress != "" && !common.IsHexAddress(c.Wallet.ColdAddress) {
		return fmt.Errorf("wallet: invalid cold address %q", c.Wallet.ColdAddress)
	}
	if c.Wallet.GasReserveWei != "" {
		if _, ok := new(big.Int).SetString(c.Wallet.GasReserveWei, 10); !ok {
			return fmt.Errorf("wallet: invalid gas reserve %q", c.Wallet.GasReserveWei)
		}
	}
	if c.Payment.UnderpaymentTolerancePct < 0 || c.Payment.OverpaymentTolerancePct < 0 {
		return errors.New("payment: tolerances cannot be negative")
	}
	if c.Store.DSN == "" {
		return errors.New("store: database DSN is required")
	}
	return nil
}

// Duration accessors for the millisecond-valued options.

func (c *ChainConfig) RPCTimeout() time.Duration { return msec(c.RPCTimeoutMs, 10*time.Second) }

func (c *WalletConfig) AddressLifetime() time.Duration { return msec(c.AddressLifetimeMs, time.Hour) }

func (c *QueueConfig) RetryDelay() time.Duration  { return msec(c.RetryDelayMs, time.Minute) }
func (c *QueueConfig) HealthCheck() time.Duration { return msec(c.HealthCheckMs, 30*time.Second) }

func (c *WebhookConfig) RetryDelay() time.Duration { return msec(c.RetryDelayMs, 15*time.Second) }

func (c *ObserverConfig) PollInterval() time.Duration { return msec(c.PollIntervalMs, 30*time.Second) }
func (c *ObserverConfig) ExpiryScan() time.Duration   { return msec(c.ExpiryScanMs, time.Minute) }
func (c *ObserverConfig) ExpiredGrace() time.Duration { return msec(c.ExpiredGraceMs, 24*time.Hour) }

func msec(v int64, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Millisecond
}
