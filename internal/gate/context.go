package gate

import "time"

// ContextFromMap builds a Context from untyped input, such as a run's input
// map or a JSON request body. Missing or mistyped keys zero out; the ladder
// then fails the corresponding level with an explicit reason rather than the
// caller guessing defaults. measurement_window accepts a duration string or
// a number of seconds.
func ContextFromMap(input map[string]any) Context {
	gctx := Context{
		Goal:               str(input["goal"]),
		ActiveGoals:        strs(input["active_goals"]),
		Impact:             num(input["impact"]),
		Sensitivity:        num(input["sensitivity"]),
		EstimatedCost:      num(input["estimated_cost"]),
		Reversible:         boolean(input["reversible"]),
		SpawnsCapability:   boolean(input["spawns_capability"]),
		ExistingCapability: boolean(input["existing_capability"]),
	}
	switch v := input["measurement_window"].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			gctx.MeasurementWindow = d
		}
	case float64:
		gctx.MeasurementWindow = time.Duration(v) * time.Second
	case time.Duration:
		gctx.MeasurementWindow = v
	}
	return gctx
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strs(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func num(v any) float64 {
	switch vv := v.(type) {
	case float64:
		return vv
	case int:
		return float64(vv)
	}
	return 0
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}
