package application

import (
	"testing"

	"github.com/tradecouncil/tradecouncil/internal/domain/agent"
	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	"github.com/tradecouncil/tradecouncil/internal/domain/roundtable"
)

func rosterNames(configs []agent.Config) []string {
	names := make([]string, len(configs))
	for i, c := range configs {
		names[i] = c.Name
	}
	return names
}

func countRole(configs []agent.Config, role string) int {
	n := 0
	for _, c := range configs {
		if c.Role == role {
			n++
		}
	}
	return n
}

func TestAssembleRoster_BackfillsDefaults(t *testing.T) {
	out := assembleRoster(nil, entity.SessionConfig{})
	if len(out) != 5 {
		t.Fatalf("empty config should yield 5 seats, got %d: %v", len(out), rosterNames(out))
	}
	if countRole(out, roundtable.RoleLeader) != 1 {
		t.Error("missing leader seat")
	}
	if countRole(out, roundtable.RoleRiskAssessor) != 1 {
		t.Error("missing risk assessor seat")
	}
	if countRole(out, "analyst") != 3 {
		t.Errorf("want 3 analysts, got %d", countRole(out, "analyst"))
	}
}

func TestAssembleRoster_SelectedAgentsFilterAnalystsOnly(t *testing.T) {
	sc := entity.SessionConfig{SelectedAgents: []string{"macro-analyst"}}
	out := assembleRoster(nil, sc)

	if countRole(out, "analyst") != 1 {
		t.Fatalf("selection should keep 1 analyst, got %v", rosterNames(out))
	}
	// 主持人与风控不受 selected_agents 影响
	if countRole(out, roundtable.RoleLeader) != 1 || countRole(out, roundtable.RoleRiskAssessor) != 1 {
		t.Errorf("leader/risk seats must survive selection: %v", rosterNames(out))
	}
	for _, c := range out {
		if c.Role == "analyst" && c.Name != "macro-analyst" {
			t.Errorf("unselected analyst seated: %s", c.Name)
		}
	}
}

func TestAssembleRoster_UnknownSelectionFallsBack(t *testing.T) {
	sc := entity.SessionConfig{SelectedAgents: []string{"no-such-agent"}}
	out := assembleRoster(nil, sc)
	if countRole(out, "analyst") != 3 {
		t.Errorf("selection matching nothing should fall back to full analyst bench, got %v",
			rosterNames(out))
	}
}

func TestAssembleRoster_DDRolesExcluded(t *testing.T) {
	configured := []agent.Config{
		{Name: "team-dd", Role: roleDDTeam},
		{Name: "market-dd", Role: roleDDMarket},
		{Name: "quant", Role: "analyst"},
	}
	out := assembleRoster(configured, entity.SessionConfig{})
	for _, c := range out {
		if c.Role == roleDDTeam || c.Role == roleDDMarket {
			t.Errorf("dd role seated at the roundtable: %s", c.Name)
		}
	}
}

func TestApplySources_DecisionToolsExempt(t *testing.T) {
	cfg := agent.Config{
		Name:  "chair",
		Role:  roundtable.RoleLeader,
		Tools: []string{"open_long", "open_short", "close_position", "hold", "web_search", "market_data"},
	}
	out := applySources(cfg, []string{"market_data"})

	want := map[string]bool{
		"open_long": true, "open_short": true, "close_position": true,
		"hold": true, "market_data": true,
	}
	if len(out.Tools) != len(want) {
		t.Fatalf("tools = %v, want decision tools + market_data", out.Tools)
	}
	for _, name := range out.Tools {
		if !want[name] {
			t.Errorf("tool %s should have been filtered out", name)
		}
	}
}

func TestApplySources_EmptyListKeepsAll(t *testing.T) {
	cfg := agent.Config{Name: "a", Tools: []string{"web_search", "market_data"}}
	out := applySources(cfg, nil)
	if len(out.Tools) != 2 {
		t.Errorf("empty data_sources must not filter: %v", out.Tools)
	}
}

func TestDepthRounds(t *testing.T) {
	tests := []struct {
		depth      string
		configured int
		want       int
	}{
		{entity.DepthQuick, 10, 5},
		{entity.DepthStandard, 10, 10},
		{entity.DepthComprehensive, 10, 14},
		{"", 8, 8},
	}
	for _, tt := range tests {
		if got := depthRounds(tt.depth, tt.configured); got != tt.want {
			t.Errorf("depthRounds(%q, %d) = %d, want %d", tt.depth, tt.configured, got, tt.want)
		}
	}
}
