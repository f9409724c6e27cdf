package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"

	"github.com/x402-foundation/forwarder"
	"github.com/x402-foundation/forwarder/mechanisms/evm"
)

// Config holds the relayer service settings
type Config struct {
	Port string

	ChainID          *big.Int
	ForwarderAddress common.Address
	OwnerAddress     common.Address
	DomainName       string
	DomainVersion    string

	MaxGasLimit    uint64
	GasOverhead    uint64
	MaxWithdrawal  *big.Int
	StrictSchedule bool

	// RelayerAddress is the account executions are submitted as; derived from
	// RelayerPrivateKey when that is set
	RelayerPrivateKey string
	RelayerAddress    common.Address

	// ForwarderPrivateKey controls ForwarderAddress on chain; required with RPCURL
	ForwarderPrivateKey string
	RPCURL              string

	MySQLDSN        string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string

	AdminToken string
	CacheTTL   time.Duration
	LogLevel   string
}

// Load reads files (default .env) into the environment and builds a Config from it.
// Missing env files are ignored so the service can run from plain environment variables.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DomainName:        getEnv("DOMAIN_NAME", ""),
		DomainVersion:     getEnv("DOMAIN_VERSION", ""),
		RelayerPrivateKey:   os.Getenv("RELAYER_PRIVATE_KEY"),
		ForwarderPrivateKey: os.Getenv("FORWARDER_PRIVATE_KEY"),
		RPCURL:              os.Getenv("RPC_URL"),
		MySQLDSN:            os.Getenv("MYSQL_DSN"),
		MongoURI:            os.Getenv("MONGO_URI"),
		MongoDatabase:       getEnv("MONGO_DATABASE", "forwarder"),
		MongoCollection:     getEnv("MONGO_COLLECTION", "events"),
		AdminToken:          os.Getenv("ADMIN_TOKEN"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}

	var err error
	chainID, ok := new(big.Int).SetString(os.Getenv("CHAIN_ID"), 10)
	if !ok || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("CHAIN_ID must be a positive integer")
	}
	cfg.ChainID = chainID

	if cfg.ForwarderAddress, err = requireAddress("FORWARDER_ADDRESS"); err != nil {
		return nil, err
	}
	if cfg.OwnerAddress, err = requireAddress("OWNER_ADDRESS"); err != nil {
		return nil, err
	}
	if raw := os.Getenv("RELAYER_ADDRESS"); raw != "" {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("RELAYER_ADDRESS is not an address: %s", raw)
		}
		cfg.RelayerAddress = common.HexToAddress(raw)
	}
	if cfg.RelayerPrivateKey != "" {
		key, err := parseKey("RELAYER_PRIVATE_KEY", cfg.RelayerPrivateKey)
		if err != nil {
			return nil, err
		}
		cfg.RelayerAddress = crypto.PubkeyToAddress(key.PublicKey)
	}

	if cfg.MaxGasLimit, err = getUint("MAX_GAS_LIMIT", forwarder.DefaultMaxGasLimit); err != nil {
		return nil, err
	}
	if cfg.GasOverhead, err = getUint("GAS_OVERHEAD", forwarder.DefaultGasOverhead); err != nil {
		return nil, err
	}
	maxWithdrawal, ok := new(big.Int).SetString(getEnv("MAX_WITHDRAWAL", "0"), 10)
	if !ok || maxWithdrawal.Sign() < 0 {
		return nil, fmt.Errorf("MAX_WITHDRAWAL must be a non-negative integer")
	}
	cfg.MaxWithdrawal = maxWithdrawal

	if cfg.StrictSchedule, err = strconv.ParseBool(getEnv("STRICT_SCHEDULE", "false")); err != nil {
		return nil, fmt.Errorf("invalid STRICT_SCHEDULE: %w", err)
	}
	if cfg.CacheTTL, err = time.ParseDuration(getEnv("EXECUTION_CACHE_TTL", "10m")); err != nil {
		return nil, fmt.Errorf("invalid EXECUTION_CACHE_TTL: %w", err)
	}

	if cfg.RPCURL != "" {
		if cfg.ForwarderPrivateKey == "" {
			return nil, fmt.Errorf("FORWARDER_PRIVATE_KEY is required when RPC_URL is set")
		}
		key, err := cfg.ForwarderKey()
		if err != nil {
			return nil, err
		}
		if addr := crypto.PubkeyToAddress(key.PublicKey); addr != cfg.ForwarderAddress {
			return nil, fmt.Errorf("FORWARDER_PRIVATE_KEY controls %s, not FORWARDER_ADDRESS %s", addr.Hex(), cfg.ForwarderAddress.Hex())
		}
	}
	if cfg.MySQLDSN != "" && cfg.MongoURI != "" {
		return nil, fmt.Errorf("set at most one of MYSQL_DSN and MONGO_URI")
	}
	return cfg, nil
}

// Forwarder returns the construction parameters for the forwarder
func (c *Config) Forwarder() forwarder.Config {
	return forwarder.Config{
		Address:       c.ForwarderAddress,
		ChainID:       c.ChainID,
		Owner:         c.OwnerAddress,
		MaxGasLimit:   c.MaxGasLimit,
		GasOverhead:   c.GasOverhead,
		MaxWithdrawal: c.MaxWithdrawal,
	}
}

// ForwarderOptions returns the options implied by the configuration
func (c *Config) ForwarderOptions() []forwarder.Option {
	var opts []forwarder.Option
	if c.DomainName != "" || c.DomainVersion != "" {
		opts = append(opts, forwarder.WithDomain(getOr(c.DomainName, evm.DefaultDomainName), getOr(c.DomainVersion, evm.DefaultDomainVersion)))
	}
	if c.StrictSchedule {
		opts = append(opts, forwarder.WithScheduleEnforcement())
	}
	return opts
}

// ForwarderKey parses the forwarder's hot wallet key
func (c *Config) ForwarderKey() (*ecdsa.PrivateKey, error) {
	return parseKey("FORWARDER_PRIVATE_KEY", c.ForwarderPrivateKey)
}

func parseKey(name, raw string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return key, nil
}

func getOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// SetupLogging installs the default logger at the configured level
func (c *Config) SetupLogging() error {
	var lvl slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "error":
		lvl = slog.LevelError
	case "warn":
		lvl = slog.LevelWarn
	case "info", "":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "trace":
		lvl = log.LevelTrace
	default:
		return fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getUint(key string, fallback uint64) (uint64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func requireAddress(key string) (common.Address, error) {
	raw := os.Getenv(key)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s must be set to an address", key)
	}
	return common.HexToAddress(raw), nil
}
