package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Trading.Symbol != "BTC-USDT-SWAP" {
		t.Errorf("symbol = %s", cfg.Trading.Symbol)
	}
	if cfg.Trading.MaxLeverage != 20 || cfg.Trading.MaxPositionPct != 0.30 {
		t.Errorf("trading defaults = %+v", cfg.Trading)
	}
	if cfg.Scheduler.Interval() != 4*time.Hour {
		t.Errorf("interval = %v", cfg.Scheduler.Interval())
	}
	if cfg.Scheduler.CycleTimeout != 25*time.Minute {
		t.Errorf("cycle timeout = %v", cfg.Scheduler.CycleTimeout)
	}
	if cfg.Session.MaxConcurrent != 100 {
		t.Errorf("max sessions = %d", cfg.Session.MaxConcurrent)
	}
}

func TestLoad_FileOverridesAndAgents(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
trading:
  max_leverage: 10
  min_confidence: 75
agents:
  - name: tech-analyst
    role: analyst
    system_prompt: 你是技术分析师
    tools: [web_search, market_data]
  - name: chair
    role: leader
    system_prompt: 你是会议主持人
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Trading.MaxLeverage != 10 || cfg.Trading.MinConfidence != 75 {
		t.Errorf("trading = %+v", cfg.Trading)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("agents = %d", len(cfg.Agents))
	}
	if cfg.Agents[0].Name != "tech-analyst" || len(cfg.Agents[0].Tools) != 2 {
		t.Errorf("agent[0] = %+v", cfg.Agents[0])
	}
	if cfg.Agents[1].Role != "leader" {
		t.Errorf("agent[1] = %+v", cfg.Agents[1])
	}
}

func TestLoad_FlatEnvOverrides(t *testing.T) {
	t.Setenv("MAX_LEVERAGE", "15")
	t.Setenv("SCHEDULER_INTERVAL_HOURS", "2.5")
	t.Setenv("SYMBOL", "ETH-USDT-SWAP")
	t.Setenv("LLM_GATEWAY_URL", "http://gw:9999")

	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Trading.MaxLeverage != 15 {
		t.Errorf("max leverage = %d", cfg.Trading.MaxLeverage)
	}
	if cfg.Scheduler.Interval() != 150*time.Minute {
		t.Errorf("interval = %v", cfg.Scheduler.Interval())
	}
	if cfg.Trading.Symbol != "ETH-USDT-SWAP" {
		t.Errorf("symbol = %s", cfg.Trading.Symbol)
	}
	if cfg.LLM.GatewayURL != "http://gw:9999" {
		t.Errorf("gateway = %s", cfg.LLM.GatewayURL)
	}
}

func TestLoad_RejectsInvalidThresholds(t *testing.T) {
	cases := []string{
		"trading:\n  max_position_percent: 1.5\n",
		"trading:\n  max_leverage: 0\n",
		"trading:\n  min_confidence: 120\n",
		"scheduler:\n  interval_hours: 0\n",
	}
	for _, c := range cases {
		if _, err := Load(writeConfig(t, c)); err == nil {
			t.Errorf("config %q accepted", c)
		}
	}
}

func TestWatcher_ReloadsTradingThresholds(t *testing.T) {
	path := writeConfig(t, "trading:\n  max_leverage: 10\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path, cfg.Trading, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if w.Trading().MaxLeverage != 10 {
		t.Fatalf("initial = %d", w.Trading().MaxLeverage)
	}

	if err := os.WriteFile(path, []byte("trading:\n  max_leverage: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if w.Trading().MaxLeverage == 5 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("thresholds not reloaded, max_leverage = %d", w.Trading().MaxLeverage)
}

func TestWatcher_KeepsPreviousOnBrokenFile(t *testing.T) {
	path := writeConfig(t, "trading:\n  max_leverage: 10\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(path, cfg.Trading, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// 非法值不能生效
	if err := os.WriteFile(path, []byte("trading:\n  max_leverage: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := w.Trading().MaxLeverage; got != 10 {
		t.Errorf("broken reload applied: max_leverage = %d", got)
	}
}
