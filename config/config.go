/*
Package config loads server configuration with viper.

SOURCES (later wins):
  1. Defaults set in this file
  2. YAML file (optional; see config.example.yaml)
  3. Environment variables prefixed LEDGER_, dots replaced by underscores:
     LEDGER_SERVER_PORT=9090, LEDGER_STORE_DRIVER=postgres

Amounts are strings in YAML so they parse losslessly into decimals.
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/warp/coin-ledger/bonus"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Lock       LockConfig       `mapstructure:"lock"`
	Payout     PayoutConfig     `mapstructure:"payout"`
	Bonus      BonusConfig      `mapstructure:"bonus"`
	Withdrawal WithdrawalConfig `mapstructure:"withdrawal"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"` // memory | sqlite | postgres
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type LockConfig struct {
	Driver  string        `mapstructure:"driver"` // local | redis
	Timeout time.Duration `mapstructure:"timeout"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type PayoutConfig struct {
	Driver string      `mapstructure:"driver"` // log | kafka
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type AmountsConfig struct {
	GC string `mapstructure:"gc"`
	SC string `mapstructure:"sc"`
}

type BonusConfig struct {
	Daily          AmountsConfig            `mapstructure:"daily"`
	MiniGames      map[string]AmountsConfig `mapstructure:"minigames"`
	VIPMultipliers map[string]string        `mapstructure:"vip_multipliers"`
}

type WithdrawalConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	RecheckIdentity bool          `mapstructure:"recheck_identity"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | text
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "ledger.db")
	v.SetDefault("store.postgres_dsn", "")

	v.SetDefault("lock.driver", "local")
	v.SetDefault("lock.timeout", 5*time.Second)
	v.SetDefault("lock.redis.addr", "localhost:6379")
	v.SetDefault("lock.redis.password", "")
	v.SetDefault("lock.redis.db", 0)
	v.SetDefault("lock.redis.ttl", 30*time.Second)

	v.SetDefault("payout.driver", "log")
	v.SetDefault("payout.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("payout.kafka.topic", "withdrawal.released")

	v.SetDefault("bonus.daily.gc", "500")
	v.SetDefault("bonus.daily.sc", "1")

	v.SetDefault("withdrawal.ttl", 72*time.Hour)
	v.SetDefault("withdrawal.sweep_interval", time.Minute)
	v.SetDefault("withdrawal.recheck_identity", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks driver names and amounts.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("store.postgres_dsn is required for the postgres driver")
	}
	switch c.Lock.Driver {
	case "local", "redis":
	default:
		return fmt.Errorf("lock.driver: unknown driver %q", c.Lock.Driver)
	}
	switch c.Payout.Driver {
	case "log", "kafka":
	default:
		return fmt.Errorf("payout.driver: unknown driver %q", c.Payout.Driver)
	}
	_, err := c.Bonus.Build()
	return err
}

// Build converts the bonus section into bonus.Config.
func (b BonusConfig) Build() (bonus.Config, error) {
	daily, err := b.Daily.amounts("bonus.daily")
	if err != nil {
		return bonus.Config{}, err
	}
	out := bonus.Config{
		Daily:          daily,
		MiniGames:      make(map[string]bonus.Amounts, len(b.MiniGames)),
		VIPMultipliers: make(map[string]decimal.Decimal, len(b.VIPMultipliers)),
	}
	for game, a := range b.MiniGames {
		amounts, err := a.amounts("bonus.minigames." + game)
		if err != nil {
			return bonus.Config{}, err
		}
		out.MiniGames[game] = amounts
	}
	for tier, s := range b.VIPMultipliers {
		m, err := decimal.NewFromString(s)
		if err != nil || !m.IsPositive() {
			return bonus.Config{}, fmt.Errorf("bonus.vip_multipliers.%s: invalid multiplier %q", tier, s)
		}
		out.VIPMultipliers[tier] = m
	}
	return out, nil
}

func (a AmountsConfig) amounts(path string) (bonus.Amounts, error) {
	parse := func(field, s string) (decimal.Decimal, error) {
		if s == "" {
			return decimal.Zero, nil
		}
		v, err := decimal.NewFromString(s)
		if err != nil || v.IsNegative() {
			return decimal.Zero, fmt.Errorf("%s.%s: invalid amount %q", path, field, s)
		}
		return v, nil
	}
	gc, err := parse("gc", a.GC)
	if err != nil {
		return bonus.Amounts{}, err
	}
	sc, err := parse("sc", a.SC)
	if err != nil {
		return bonus.Amounts{}, err
	}
	return bonus.Amounts{GoldCoins: gc, SweepsCoins: sc}, nil
}
