package subscriptions

// Event payloads travel as map[string]any. While a transaction is live
// the values are whatever Go type a Map function put there; once an event
// has been through the log-structured store's JSON encoding (every event
// replayed on recovery, or read back from disk at all) numbers decode as
// float64 and slices decode as []any. Every reducer in this package reads
// its payload through these helpers so live and recovered folding produce
// identical state.

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			out = append(out, asString(e))
		}
		return out
	default:
		return nil
	}
}
