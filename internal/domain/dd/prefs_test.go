package dd

import "testing"

func TestScore_FullMatch(t *testing.T) {
	p := PreferenceProfile{
		Industries:   []string{"fintech", "saas"},
		Stages:       []string{"series_a"},
		MinSizeUSD:   1e6,
		MaxSizeUSD:   1e8,
		TeamKeywords: []string{"stripe"},
	}
	r := &ProjectRecord{
		Industry:       "FinTech",
		Stage:          "series_a",
		FundingSizeUSD: 5e6,
		TeamSummary:    "ex-Stripe payments team",
	}
	res := p.Score(r)
	if res.Score != 100 {
		t.Errorf("score = %d, want 100 (%v)", res.Score, res.Reasons)
	}
}

func TestScore_UnknownDimensionsNeutral(t *testing.T) {
	p := PreferenceProfile{Industries: []string{"fintech"}, Stages: []string{"seed"}}
	r := &ProjectRecord{
		Industry:    unknownField,
		Stage:       unknownField,
		TeamSummary: unknownField,
	}
	res := p.Score(r)
	// 4 × 12 分：缺信息不等于不匹配
	if res.Score != 48 {
		t.Errorf("score = %d, want 48 (%v)", res.Score, res.Reasons)
	}
}

func TestScore_Mismatch(t *testing.T) {
	p := PreferenceProfile{
		Industries: []string{"fintech"},
		Stages:     []string{"seed"},
		MinSizeUSD: 1e6,
		MaxSizeUSD: 1e7,
	}
	r := &ProjectRecord{
		Industry:       "mining",
		Stage:          "listed",
		FundingSizeUSD: 1e9,
		TeamSummary:    "coal veterans",
	}
	res := p.Score(r)
	// 行业 0 + 阶段 0 + 规模 0 + 团队（无关键词要求）25
	if res.Score != 25 {
		t.Errorf("score = %d, want 25 (%v)", res.Score, res.Reasons)
	}
	if len(res.Reasons) == 0 {
		t.Error("mismatch must record reasons")
	}
}

func TestGaps(t *testing.T) {
	r := &ProjectRecord{Industry: "fintech", Stage: unknownField, TeamSummary: ""}
	gaps := r.Gaps()
	want := map[string]bool{"stage": true, "funding_size": true, "team": true}
	if len(gaps) != 3 {
		t.Fatalf("gaps = %v", gaps)
	}
	for _, g := range gaps {
		if !want[g] {
			t.Errorf("unexpected gap %q", g)
		}
	}
}
