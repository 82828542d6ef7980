// Package config exposes strongly typed application configuration loaded
// from YAML, with the account token supplied out-of-band via the environment.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/makoti942/digitbot/internal/model"
	"github.com/makoti942/digitbot/internal/utils"
)

// tokenEnvVar names the environment variable carrying the account API token.
// Tokens never live in the YAML file.
const tokenEnvVar = "DERIV_TOKEN"

// App captures process-wide runtime settings.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Exchange describes the trading API connectivity parameters.
type Exchange struct {
	Endpoint string `yaml:"endpoint" validate:"required,startswith=ws"`
	Virtual  bool   `yaml:"virtual"`
}

// Strategy is the YAML shape of a trade configuration. Monetary amounts are
// strings because YAML has no decimal scalar; StrategyConfig converts them to
// exact decimals.
type Strategy struct {
	Market               string `yaml:"market" validate:"required"`
	ContractType         string `yaml:"contract_type" validate:"required"`
	Stake                string `yaml:"stake" validate:"required"`
	Duration             int    `yaml:"duration" validate:"required,gt=0"`
	Digit                int    `yaml:"digit" validate:"gte=0,lte=9"`
	TakeProfit           string `yaml:"take_profit" validate:"required"`
	StopLoss             string `yaml:"stop_loss" validate:"required"`
	TradeOnEveryTick     bool   `yaml:"trade_on_every_tick"`
	MartingaleMultiplier string `yaml:"martingale_multiplier" validate:"required"`
	MaxStake             string `yaml:"max_stake" validate:"required"`
}

// Config collects every configuration leaf for easy unmarshaling from YAML.
type Config struct {
	App      App      `yaml:"app"`
	Exchange Exchange `yaml:"exchange"`
	Strategy Strategy `yaml:"strategy"`
}

// Load reads a YAML file from disk, hydrates a Config and validates it.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	if cfg.App.Name == "" {
		cfg.App.Name = "digitbot"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Token resolves the account API token: a .env file is loaded best-effort,
// then the token is read from the environment.
func Token() (string, error) {
	_ = godotenv.Load() // best-effort
	token := os.Getenv(tokenEnvVar)
	if token == "" {
		return "", fmt.Errorf("%s is not set", tokenEnvVar)
	}
	return token, nil
}

// StrategyConfig converts the YAML strategy section into the runtime trade
// configuration, parsing the monetary strings into exact decimals.
func (c *Config) StrategyConfig() (*model.StrategyConfig, error) {
	if err := utils.ValidateMarket(c.Strategy.Market); err != nil {
		return nil, err
	}

	contractType, ok := model.ParseContractType(c.Strategy.ContractType)
	if !ok {
		return nil, fmt.Errorf("unknown contract type %q", c.Strategy.ContractType)
	}

	sc := &model.StrategyConfig{
		Market:           c.Strategy.Market,
		ContractType:     contractType,
		Duration:         c.Strategy.Duration,
		Digit:            c.Strategy.Digit,
		TradeOnEveryTick: c.Strategy.TradeOnEveryTick,
	}

	var err error
	parse := func(field, value string) decimal.Decimal {
		d, perr := decimal.NewFromString(value)
		if perr != nil && err == nil {
			err = fmt.Errorf("parse %s: %w", field, perr)
		}
		return d
	}
	sc.Stake = parse("stake", c.Strategy.Stake)
	sc.TakeProfit = parse("take_profit", c.Strategy.TakeProfit)
	sc.StopLoss = parse("stop_loss", c.Strategy.StopLoss)
	sc.MartingaleMultiplier = parse("martingale_multiplier", c.Strategy.MartingaleMultiplier)
	sc.MaxStake = parse("max_stake", c.Strategy.MaxStake)
	if err != nil {
		return nil, err
	}

	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}
