package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const scenarioYAML = `
app:
  name: two-bank
simulation:
  ticks_per_day: 20
  num_days: 2
lsm:
  max_cycle_length: 4
costs:
  deadline_penalty: 500
agents:
  - id: BANK_A
    opening_balance: 100000
    unsecured_cap: 5000
    bilateral_limits:
      - counterparty: BANK_B
        limit: 70000
  - id: BANK_B
    opening_balance: 50000
    multilateral_limit: 90000
    policy: deadline_aware
    policy_file: %s
payments:
  - tick: 3
    sender: BANK_A
    receiver: BANK_B
    amount: 25000
    deadline_offset: 10
    priority: 7
    rtgs_priority: urgent
  - tick: 3
    sender: BANK_B
    receiver: BANK_A
    amount: 1000
scheduler:
  tick_interval: 250ms
`

func writeScenario(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.json")
	if err := os.WriteFile(policyPath, []byte(`{"policy_id":"custom"}`), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	path := filepath.Join(dir, "scenario.yaml")
	body := strings.Replace(scenarioYAML, "%s", policyPath, 1)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	return path
}

func TestLoadScenarioWithDefaults(t *testing.T) {
	cfg, err := Load(writeScenario(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Simulation.TicksPerDay != 20 || cfg.Simulation.NumDays != 2 {
		t.Fatalf("unexpected clock %+v", cfg.Simulation)
	}
	if cfg.Simulation.EODRushThreshold != 0.8 {
		t.Fatalf("expected default rush threshold, got %v", cfg.Simulation.EODRushThreshold)
	}
	if cfg.Simulation.MaxSplits != 16 {
		t.Fatalf("expected default split cap, got %d", cfg.Simulation.MaxSplits)
	}
	if !cfg.LSM.Enabled || cfg.LSM.MaxCycleLength != 4 || cfg.LSM.MaxIterations != 3 {
		t.Fatalf("unexpected lsm options %+v", cfg.LSM)
	}
	if cfg.Costs.DeadlinePenalty != 500 || cfg.Costs.EODPenalty != 20000 {
		t.Fatalf("unexpected costs %+v", cfg.Costs)
	}
	if cfg.Scheduler.TickInterval != 250*time.Millisecond {
		t.Fatalf("unexpected tick interval %v", cfg.Scheduler.TickInterval)
	}
	if bl := cfg.Agents[0].BilateralLimits; len(bl) != 1 || bl[0].Counterparty != "BANK_B" || bl[0].Limit != 70000 {
		t.Fatalf("unexpected bilateral limits %+v", bl)
	}
	if cfg.Agents[1].MultilateralLimit == nil || *cfg.Agents[1].MultilateralLimit != 90000 {
		t.Fatalf("multilateral limit not decoded: %+v", cfg.Agents[1].MultilateralLimit)
	}
	if len(cfg.Alerting.Events) != 2 {
		t.Fatalf("expected default alert events, got %v", cfg.Alerting.Events)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("SIMCASH_SIMULATION_NUM_DAYS", "5")
	t.Setenv("SIMCASH_LOGGING_LEVEL", "debug")

	cfg, err := Load(writeScenario(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Simulation.NumDays != 5 {
		t.Fatalf("expected env override, got %d", cfg.Simulation.NumDays)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug logging, got %q", cfg.Logging.Level)
	}
}

func TestEngineConfigReadsPolicyFiles(t *testing.T) {
	cfg, err := Load(writeScenario(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ec, err := cfg.EngineConfig()
	if err != nil {
		t.Fatalf("engine config: %v", err)
	}
	if len(ec.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(ec.Agents))
	}
	if ec.Agents[0].PolicyDefinition != nil {
		t.Fatal("agent without policy_file should have no definition")
	}
	if string(ec.Agents[1].PolicyDefinition) != `{"policy_id":"custom"}` {
		t.Fatalf("policy file not read: %q", ec.Agents[1].PolicyDefinition)
	}
	if ec.Agents[0].BilateralLimits["BANK_B"] != 70000 {
		t.Fatalf("bilateral limits not converted: %v", ec.Agents[0].BilateralLimits)
	}
	if ec.TicksPerDay != 20 || ec.Costs.DeadlinePenalty != 500 {
		t.Fatalf("unexpected engine config %+v", ec)
	}
}

func TestPaymentsAtBuildsRequests(t *testing.T) {
	cfg, err := Load(writeScenario(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	reqs := cfg.PaymentsAt(3)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 arrivals at tick 3, got %d", len(reqs))
	}
	if reqs[0].DeadlineTick != 13 || reqs[0].Priority != 7 || reqs[0].RTGSPriority != "urgent" {
		t.Fatalf("unexpected request %+v", reqs[0])
	}
	if reqs[1].DeadlineTick != 3 {
		t.Fatalf("zero offset should give a same-tick deadline, got %d", reqs[1].DeadlineTick)
	}
	if len(cfg.PaymentsAt(4)) != 0 {
		t.Fatal("no arrivals expected at tick 4")
	}
}

func TestValidateRejectsBadScenarios(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := Load(writeScenario(t))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		return cfg
	}

	cases := map[string]func(*Config){
		"single agent":      func(c *Config) { c.Agents = c.Agents[:1] },
		"duplicate agent":   func(c *Config) { c.Agents[1].ID = "BANK_A" },
		"unknown receiver":  func(c *Config) { c.Payments[0].Receiver = "BANK_Z" },
		"self payment":      func(c *Config) { c.Payments[0].Receiver = "BANK_A" },
		"zero amount":       func(c *Config) { c.Payments[0].Amount = 0 },
		"bad band":          func(c *Config) { c.Payments[0].RTGSPriority = "whenever" },
		"priority too high": func(c *Config) { c.Payments[0].Priority = 11 },
		"haircut above one": func(c *Config) { c.Agents[0].CollateralHaircut = 1.5 },
		"zero ticks":        func(c *Config) { c.Simulation.TicksPerDay = 0 },
		"split cap of one":  func(c *Config) { c.Simulation.MaxSplits = 1 },
		"telegram no token": func(c *Config) {
			c.Alerting.Telegram.Enabled = true
			c.Alerting.Telegram.ChatID = "1"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base(t)
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
