package agentrt

import (
	"encoding/json"
	"math"
)

// Usage is the token/cost payload of a ResultMessage. Runtimes report it in
// one of two shapes: a loosely typed mapping (Map) or a structured value
// (Stats). At most one is set.
type Usage struct {
	Map   map[string]any
	Stats *UsageStats
}

// UsageStats is the structured usage shape.
type UsageStats struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
	TotalCostUSD             float64
}

// MapUsage wraps a mapping-shaped usage payload.
func MapUsage(m map[string]any) Usage {
	return Usage{Map: m}
}

// StatsUsage wraps a structured usage payload.
func StatsUsage(s UsageStats) Usage {
	return Usage{Stats: &s}
}

// Empty reports whether no usage payload was reported.
func (u Usage) Empty() bool {
	return u.Map == nil && u.Stats == nil
}

// Tokens returns input and output token counts from either shape.
func (u Usage) Tokens() (input, output int64) {
	switch {
	case u.Stats != nil:
		return u.Stats.InputTokens, u.Stats.OutputTokens
	case u.Map != nil:
		return mapInt(u.Map, "input_tokens"), mapInt(u.Map, "output_tokens")
	}
	return 0, 0
}

// CostUSD returns the cost nested inside the usage payload, if any.
func (u Usage) CostUSD() float64 {
	switch {
	case u.Stats != nil:
		return u.Stats.TotalCostUSD
	case u.Map != nil:
		return mapFloat(u.Map, "total_cost_usd")
	}
	return 0
}

// Accounting is the cost and token summary of a finished session.
type Accounting struct {
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
}

// Account extracts cost and tokens from a result. The top-level cost wins
// when it is present and non-zero; otherwise the usage cost is used. Tokens
// always come from the usage payload.
func Account(r *ResultMessage) Accounting {
	var a Accounting
	if r == nil {
		return a
	}
	if r.TotalCostUSD != nil {
		a.CostUSD = *r.TotalCostUSD
	}
	if a.CostUSD == 0 {
		a.CostUSD = r.Usage.CostUSD()
	}
	a.InputTokens, a.OutputTokens = r.Usage.Tokens()
	return a
}

func mapInt(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return int64(math.Round(f))
		}
	}
	return 0
}

func mapFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}
