package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"gstpos/backend/internal/domain"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	StoreBackend          string
	DatabaseURL           string
	SQLitePath            string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	TransactionCacheTTL   time.Duration
	KafkaBrokers          []string
	KafkaTopic            string
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	SellerStateCode       string
	DefaultTaxMode        domain.TaxMode
	LoyaltyUnitCents      int64
	LogLevel              string
	LogPretty             bool
}

// Load reads configuration from the environment, and from a .env file in the
// working directory when one exists. Environment variables win.
func Load() Config {
	v := viper.New()
	v.AutomaticEnv()
	if _, err := os.Stat(".env"); err == nil {
		v.SetConfigFile(".env")
		v.SetConfigType("env")
		_ = v.ReadInConfig()
	}

	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("SQLITE_PATH", "gstpos.db")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("TRANSACTION_CACHE_TTL_SECONDS", 300)
	v.SetDefault("KAFKA_TOPIC", "gstpos.sales")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("DEFAULT_TAX_MODE", string(domain.TaxModeSameRegion))
	v.SetDefault("LOYALTY_UNIT_CENTS", 10000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)

	cacheTTL := v.GetInt("TRANSACTION_CACHE_TTL_SECONDS")
	if cacheTTL < 1 {
		cacheTTL = 300
	}
	tokenTTL := v.GetInt("ACCESS_TOKEN_TTL_MINUTES")
	if tokenTTL < 1 {
		tokenTTL = 480
	}
	loyaltyUnit := v.GetInt64("LOYALTY_UNIT_CENTS")
	if loyaltyUnit < 1 {
		loyaltyUnit = 10000
	}
	taxMode := domain.TaxMode(strings.ToLower(strings.TrimSpace(v.GetString("DEFAULT_TAX_MODE"))))
	if !taxMode.Valid() {
		taxMode = domain.TaxModeSameRegion
	}

	cfg := Config{
		Port:                  v.GetString("PORT"),
		AllowedOrigin:         v.GetString("ALLOWED_ORIGIN"),
		StoreBackend:          strings.ToLower(strings.TrimSpace(v.GetString("STORE_BACKEND"))),
		DatabaseURL:           v.GetString("DATABASE_URL"),
		SQLitePath:            v.GetString("SQLITE_PATH"),
		RedisAddr:             v.GetString("REDIS_ADDR"),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		TransactionCacheTTL:   time.Duration(cacheTTL) * time.Second,
		KafkaBrokers:          splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:            v.GetString("KAFKA_TOPIC"),
		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(v.GetString("MANAGER_PIN")),
		SellerStateCode:       strings.TrimSpace(v.GetString("SELLER_STATE_CODE")),
		DefaultTaxMode:        taxMode,
		LoyaltyUnitCents:      loyaltyUnit,
		LogLevel:              v.GetString("LOG_LEVEL"),
		LogPretty:             v.GetBool("LOG_PRETTY"),
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = BackendMemory
		if cfg.DatabaseURL != "" {
			cfg.StoreBackend = BackendPostgres
		}
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_BACKEND=postgres")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for STORE_BACKEND=sqlite")
		}
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}
	if c.SellerStateCode != "" && len(c.SellerStateCode) != 2 {
		return fmt.Errorf("SELLER_STATE_CODE must be a two digit GST state code")
	}
	return nil
}

func splitList(raw string) []string {
	out := make([]string, 0, 4)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
