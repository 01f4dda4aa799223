package dd

import (
	"fmt"
	"strings"
)

// unknownField 解析器对无法确认的字段统一填 "unknown"，绝不编造。
const unknownField = "unknown"

// ProjectRecord 尽调对象的规范化记录（DOC_PARSE 的产出）
type ProjectRecord struct {
	Name           string  `json:"name"`
	Industry       string  `json:"industry"`
	Stage          string  `json:"stage"` // seed | angel | series_a | series_b | growth | listed
	FundingSizeUSD float64 `json:"funding_size_usd"`
	TeamSummary    string  `json:"team_summary"`
	Summary        string  `json:"summary"`
	Source         string  `json:"source"` // document | web
}

// Gaps 返回仍为 unknown 的字段名，QUESTION_GEN 以此为起点
func (r *ProjectRecord) Gaps() []string {
	gaps := []string{}
	if r.Industry == "" || r.Industry == unknownField {
		gaps = append(gaps, "industry")
	}
	if r.Stage == "" || r.Stage == unknownField {
		gaps = append(gaps, "stage")
	}
	if r.FundingSizeUSD <= 0 {
		gaps = append(gaps, "funding_size")
	}
	if r.TeamSummary == "" || r.TeamSummary == unknownField {
		gaps = append(gaps, "team")
	}
	return gaps
}

// PreferenceProfile 机构偏好画像，四个维度各占 25 分。
type PreferenceProfile struct {
	Industries   []string `mapstructure:"industries" json:"industries"`
	Stages       []string `mapstructure:"stages" json:"stages"`
	MinSizeUSD   float64  `mapstructure:"min_size_usd" json:"min_size_usd"`
	MaxSizeUSD   float64  `mapstructure:"max_size_usd" json:"max_size_usd"`
	TeamKeywords []string `mapstructure:"team_keywords" json:"team_keywords"`
}

// MatchResult 偏好匹配结论
type MatchResult struct {
	Score   int      `json:"score"` // 0–100
	Reasons []string `json:"reasons"`
}

// Score 多维匹配：行业、阶段、规模、团队各 0–25 分。
// 记录中 unknown 的维度给一半分 — 信息缺失不等于不匹配。
func (p *PreferenceProfile) Score(r *ProjectRecord) MatchResult {
	res := MatchResult{}

	res.Score += p.scoreDimension(&res, "industry", r.Industry, p.Industries)
	res.Score += p.scoreDimension(&res, "stage", r.Stage, p.Stages)

	switch {
	case r.FundingSizeUSD <= 0:
		res.Score += 12
		res.Reasons = append(res.Reasons, "size unknown, neutral score")
	case (p.MinSizeUSD <= 0 || r.FundingSizeUSD >= p.MinSizeUSD) &&
		(p.MaxSizeUSD <= 0 || r.FundingSizeUSD <= p.MaxSizeUSD):
		res.Score += 25
		res.Reasons = append(res.Reasons, fmt.Sprintf("size %.0f USD within mandate", r.FundingSizeUSD))
	default:
		res.Reasons = append(res.Reasons, fmt.Sprintf("size %.0f USD outside mandate [%.0f, %.0f]",
			r.FundingSizeUSD, p.MinSizeUSD, p.MaxSizeUSD))
	}

	switch {
	case r.TeamSummary == "" || r.TeamSummary == unknownField:
		res.Score += 12
		res.Reasons = append(res.Reasons, "team unknown, neutral score")
	case len(p.TeamKeywords) == 0:
		res.Score += 25
	default:
		lower := strings.ToLower(r.TeamSummary)
		hit := false
		for _, kw := range p.TeamKeywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				hit = true
				res.Reasons = append(res.Reasons, "team matches keyword "+kw)
				break
			}
		}
		if hit {
			res.Score += 25
		} else {
			res.Score += 8
			res.Reasons = append(res.Reasons, "team matches no preferred keyword")
		}
	}

	return res
}

func (p *PreferenceProfile) scoreDimension(res *MatchResult, name, value string, preferred []string) int {
	if value == "" || value == unknownField {
		res.Reasons = append(res.Reasons, name+" unknown, neutral score")
		return 12
	}
	if len(preferred) == 0 {
		return 25
	}
	for _, want := range preferred {
		if strings.EqualFold(value, want) {
			res.Reasons = append(res.Reasons, name+" matches preference "+want)
			return 25
		}
	}
	res.Reasons = append(res.Reasons, name+" "+value+" not in preference list")
	return 0
}
