package agent

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
)

// ParseVote 从发言文本解析结构化投票。
// 优先 JSON 提取（容忍 ``` 围栏和前后散文），失败则回退到文本模式匹配。
// 缺失字段取默认：direction=hold, confidence=0, leverage=1, tp/sl=配置默认。
// 所有字段最终都会被 Clamp 到合法区间。
func ParseVote(content string, maxLeverage int, defaultTP, defaultSL float64) *entity.VoteRecord {
	vote := &entity.VoteRecord{
		Direction: entity.DirectionHold,
		Leverage:  1,
	}

	if raw := extractJSON(content); raw != nil {
		applyJSON(vote, raw)
	} else {
		applyTextPatterns(vote, content)
	}

	if vote.Reasoning == "" {
		vote.Reasoning = summarizeReasoning(content)
	}
	vote.Clamp(maxLeverage, defaultTP, defaultSL)
	return vote
}

// extractJSON 找出文本中第一段可解析为 object 的 JSON。
// 依次尝试：整段、```json 围栏、首个配平的 {...} 区域。
func extractJSON(content string) map[string]interface{} {
	candidates := []string{strings.TrimSpace(content)}

	for _, fence := range []string{"```json", "```"} {
		if i := strings.Index(content, fence); i >= 0 {
			rest := content[i+len(fence):]
			if j := strings.Index(rest, "```"); j >= 0 {
				candidates = append(candidates, strings.TrimSpace(rest[:j]))
			}
		}
	}
	if region := balancedObject(content); region != "" {
		candidates = append(candidates, region)
	}

	for _, cand := range candidates {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(cand), &m); err == nil && len(m) > 0 {
			return m
		}
	}
	return nil
}

// balancedObject 返回首个大括号配平的子串
func balancedObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case inString:
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func applyJSON(vote *entity.VoteRecord, m map[string]interface{}) {
	if s := stringField(m, "direction", "action", "decision"); s != "" {
		vote.Direction = normalizeDirection(s)
	}
	if n, ok := numberField(m, "confidence", "信心度"); ok {
		vote.Confidence = int(n)
	}
	if n, ok := numberField(m, "leverage", "杠杆"); ok {
		vote.Leverage = int(n)
	}
	if n, ok := numberField(m, "take_profit_pct", "tp_pct", "take_profit_percent"); ok {
		vote.TakeProfitPct = n
	}
	if n, ok := numberField(m, "stop_loss_pct", "sl_pct", "stop_loss_percent"); ok {
		vote.StopLossPct = n
	}
	if s := stringField(m, "reasoning", "reason", "理由"); s != "" {
		vote.Reasoning = s
	}
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func numberField(m map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

var confidencePattern = regexp.MustCompile(`(?i)(?:confidence|信心度|信心)[^0-9]{0,8}(\d{1,3})`)

// applyTextPatterns 自由文本回退：方向关键词 + 信心度数字
func applyTextPatterns(vote *entity.VoteRecord, content string) {
	vote.Direction = matchDirection(content)
	if m := confidencePattern.FindStringSubmatch(content); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			vote.Confidence = n
		}
	}
}

// directionKeywords 按优先级排列：先平仓/加仓类，再开仓方向。
// 顺序敏感 — "平仓后观望" 应解析为 close 而非 hold。
var directionKeywords = []struct {
	dir   entity.Direction
	words []string
}{
	{entity.DirectionReverse, []string{"reverse", "反手", "反向开仓"}},
	{entity.DirectionAddLong, []string{"add_long", "加多", "加仓做多"}},
	{entity.DirectionAddShort, []string{"add_short", "加空", "加仓做空"}},
	{entity.DirectionClose, []string{"close", "平仓", "离场", "exit"}},
	{entity.DirectionLong, []string{"long", "做多", "买入", "buy", "bullish", "看多", "看涨"}},
	{entity.DirectionShort, []string{"short", "做空", "卖出", "sell", "bearish", "看空", "看跌"}},
	{entity.DirectionHold, []string{"hold", "观望", "持有", "wait", "neutral", "中性"}},
}

func matchDirection(content string) entity.Direction {
	lower := strings.ToLower(content)
	for _, entry := range directionKeywords {
		for _, w := range entry.words {
			if strings.Contains(lower, w) {
				return entry.dir
			}
		}
	}
	return entity.DirectionHold
}

func normalizeDirection(s string) entity.Direction {
	s = strings.TrimSpace(strings.ToLower(s))
	if d := entity.Direction(s); d.Valid() {
		return d
	}
	return matchDirection(s)
}

// summarizeReasoning 取正文前 200 个字符作为兜底理由
func summarizeReasoning(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return content
}
