package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/aerugo/SimCash-sub000/internal/cost"
	"github.com/aerugo/SimCash-sub000/internal/engine"
	"github.com/aerugo/SimCash-sub000/internal/event"
	"github.com/aerugo/SimCash-sub000/internal/ledger"
	"github.com/aerugo/SimCash-sub000/internal/logging"
	"github.com/aerugo/SimCash-sub000/internal/lsm"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	RTGS       RTGSConfig       `mapstructure:"rtgs"`
	LSM        lsm.Options      `mapstructure:"lsm"`
	Costs      cost.Rates       `mapstructure:"costs"`
	Agents     []AgentConfig    `mapstructure:"agents" validate:"min=2,dive"`
	Payments   []PaymentConfig  `mapstructure:"payments" validate:"dive"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SimulationConfig sets the clock and the policy interpreter limits.
type SimulationConfig struct {
	TicksPerDay        int64   `mapstructure:"ticks_per_day" validate:"gt=0"`
	NumDays            int64   `mapstructure:"num_days" validate:"gte=0"`
	EODRushThreshold   float64 `mapstructure:"eod_rush_threshold" validate:"gte=0,lte=1"`
	MaxTreeDepth       int     `mapstructure:"max_tree_depth" validate:"gte=0"`
	ParallelPolicyEval bool    `mapstructure:"parallel_policy_eval"`
	MaxSplits          int     `mapstructure:"max_splits" validate:"gte=0,ne=1"`
}

// RTGSConfig toggles entry disposition features.
type RTGSConfig struct {
	OffsettingCheck bool `mapstructure:"offsetting_check"`
}

// AgentConfig describes one participant. Policy names a built-in policy;
// PolicyFile points at a JSON definition and wins when both are set.
type AgentConfig struct {
	ID                 string           `mapstructure:"id" validate:"required"`
	OpeningBalance     int64            `mapstructure:"opening_balance" validate:"gte=0"`
	UnsecuredCap       int64            `mapstructure:"unsecured_cap" validate:"gte=0"`
	PostedCollateral   int64            `mapstructure:"posted_collateral" validate:"gte=0"`
	CollateralHaircut  float64          `mapstructure:"collateral_haircut" validate:"gte=0,lte=1"`
	CollateralCapacity int64            `mapstructure:"collateral_capacity" validate:"gte=0"`
	BilateralLimits    []BilateralLimit `mapstructure:"bilateral_limits" validate:"dive"`
	MultilateralLimit  *int64           `mapstructure:"multilateral_limit" validate:"omitempty,gte=0"`
	Policy             string           `mapstructure:"policy"`
	PolicyFile         string           `mapstructure:"policy_file"`
}

// BilateralLimit caps daily outflow towards one counterparty. It is a list
// entry rather than a map because viper lowercases map keys.
type BilateralLimit struct {
	Counterparty string `mapstructure:"counterparty" validate:"required"`
	Limit        int64  `mapstructure:"limit" validate:"gte=0"`
}

// PaymentConfig is a scripted arrival: submitted at Tick with a deadline
// DeadlineOffset ticks later.
type PaymentConfig struct {
	Tick           int64  `mapstructure:"tick" validate:"gte=0"`
	Sender         string `mapstructure:"sender" validate:"required"`
	Receiver       string `mapstructure:"receiver" validate:"required,nefield=Sender"`
	Amount         int64  `mapstructure:"amount" validate:"gt=0"`
	DeadlineOffset int64  `mapstructure:"deadline_offset" validate:"gte=0"`
	Priority       int    `mapstructure:"priority" validate:"gte=0,lte=10"`
	Divisible      bool   `mapstructure:"divisible"`
	RTGSPriority   string `mapstructure:"rtgs_priority" validate:"omitempty,oneof=highly_urgent urgent normal"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig covers the live event stream.
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	Prefix       string `mapstructure:"prefix"`
	StreamMaxLen int64  `mapstructure:"stream_max_len"`
}

// SchedulerConfig governs tick pacing for the run command.
type SchedulerConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	CheckpointEvery int64         `mapstructure:"checkpoint_every"`
}

// AlertingConfig defines which events notify and where.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Events   []string       `mapstructure:"events"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot used for alerts.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxEvents   int `mapstructure:"max_events"`
	ChartWidth  int `mapstructure:"chart_width"`
	ChartHeight int `mapstructure:"chart_height"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SIMCASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "simcash")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("simulation.ticks_per_day", 100)
	v.SetDefault("simulation.num_days", 1)
	v.SetDefault("simulation.eod_rush_threshold", 0.8)
	v.SetDefault("simulation.max_tree_depth", 100)
	v.SetDefault("simulation.parallel_policy_eval", false)
	v.SetDefault("simulation.max_splits", engine.DefaultMaxSplits)

	v.SetDefault("rtgs.offsetting_check", false)

	lsmDefaults := lsm.DefaultOptions()
	v.SetDefault("lsm.enabled", lsmDefaults.Enabled)
	v.SetDefault("lsm.bilateral", lsmDefaults.Bilateral)
	v.SetDefault("lsm.cycles", lsmDefaults.Cycles)
	v.SetDefault("lsm.max_iterations", lsmDefaults.MaxIterations)
	v.SetDefault("lsm.max_cycle_length", lsmDefaults.MaxCycleLength)

	rates := cost.DefaultRates()
	v.SetDefault("costs.overdraft_bps_per_tick", rates.OverdraftBpsPerTick)
	v.SetDefault("costs.delay_per_tick_per_cent", rates.DelayPerTickPerCent)
	v.SetDefault("costs.collateral_bps_per_tick", rates.CollateralBpsPerTick)
	v.SetDefault("costs.deadline_penalty", rates.DeadlinePenalty)
	v.SetDefault("costs.split_friction", rates.SplitFriction)
	v.SetDefault("costs.eod_penalty", rates.EODPenalty)
	v.SetDefault("costs.overdue_delay_multiplier", rates.OverdueDelayMultiplier)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "simcash")
	v.SetDefault("redis.stream_max_len", int64(100000))

	v.SetDefault("scheduler.tick_interval", "1s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x53494d43))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.checkpoint_every", int64(10))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.events", []string{string(event.KindDeadlineExpired), string(event.KindPolicyEvaluationFailed)})
	v.SetDefault("alerting.cooldown", "5m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_events", 100000)
	v.SetDefault("export.chart_width", 1200)
	v.SetDefault("export.chart_height", 600)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var validate = validator.New()

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid scenario: %w", err)
	}
	if err := c.Costs.Validate(); err != nil {
		return err
	}
	if c.Export.MaxEvents <= 0 {
		return fmt.Errorf("export.max_events must be greater than zero")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be greater than zero")
	}

	agents := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if agents[a.ID] {
			return fmt.Errorf("agents: duplicate id %q", a.ID)
		}
		agents[a.ID] = true
	}
	for i, p := range c.Payments {
		if !agents[p.Sender] || !agents[p.Receiver] {
			return fmt.Errorf("payments[%d]: unknown agent in %s -> %s", i, p.Sender, p.Receiver)
		}
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// EngineConfig converts the scenario into engine settings, reading policy
// files from disk.
func (c *Config) EngineConfig() (engine.Config, error) {
	ec := engine.Config{
		TicksPerDay:        c.Simulation.TicksPerDay,
		NumDays:            c.Simulation.NumDays,
		EODRushThreshold:   c.Simulation.EODRushThreshold,
		MaxTreeDepth:       c.Simulation.MaxTreeDepth,
		ParallelPolicyEval: c.Simulation.ParallelPolicyEval,
		MaxSplits:          c.Simulation.MaxSplits,
		Offsetting:         c.RTGS.OffsettingCheck,
		LSM:                c.LSM,
		Costs:              c.Costs,
	}
	for _, a := range c.Agents {
		ac := engine.AgentConfig{
			ID:                 a.ID,
			OpeningBalance:     a.OpeningBalance,
			UnsecuredCap:       a.UnsecuredCap,
			PostedCollateral:   a.PostedCollateral,
			CollateralHaircut:  a.CollateralHaircut,
			CollateralCapacity: a.CollateralCapacity,
			MultilateralLimit:  a.MultilateralLimit,
			Policy:             a.Policy,
		}
		if len(a.BilateralLimits) > 0 {
			ac.BilateralLimits = make(map[string]int64, len(a.BilateralLimits))
			for _, bl := range a.BilateralLimits {
				ac.BilateralLimits[bl.Counterparty] = bl.Limit
			}
		}
		if a.PolicyFile != "" {
			def, err := os.ReadFile(a.PolicyFile)
			if err != nil {
				return engine.Config{}, fmt.Errorf("agent %s: read policy file: %w", a.ID, err)
			}
			ac.PolicyDefinition = def
		}
		ec.Agents = append(ec.Agents, ac)
	}
	return ec, nil
}

// PaymentsAt returns the scripted arrivals of tick as engine requests.
func (c *Config) PaymentsAt(tick int64) []engine.SubmitRequest {
	var out []engine.SubmitRequest
	for _, p := range c.Payments {
		if p.Tick != tick {
			continue
		}
		out = append(out, engine.SubmitRequest{
			Sender:       p.Sender,
			Receiver:     p.Receiver,
			Amount:       p.Amount,
			DeadlineTick: p.Tick + p.DeadlineOffset,
			Priority:     p.Priority,
			Divisible:    p.Divisible,
			RTGSPriority: ledger.RTGSPriority(p.RTGSPriority),
		})
	}
	return out
}

// ResolveMaxEvents returns either the CLI override or config default.
func (c *Config) ResolveMaxEvents(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxEvents
}
