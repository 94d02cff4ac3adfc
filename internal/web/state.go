package web

// AggregateState folds real-server states into the state of their virtual
// server. Any down member degrades an up server; any up member lifts a down
// server to degraded and a disabled one to up; disabled members alone leave
// the server disabled.
func AggregateState(states []string) string {
	agg := ""
	for _, st := range states {
		switch st {
		case "up":
			switch agg {
			case "", "up", "disabled":
				agg = "up"
			case "down":
				agg = "degraded"
			}
		case "down":
			switch agg {
			case "", "down", "disabled":
				agg = "down"
			case "up":
				agg = "degraded"
			}
		case "disabled":
			if agg == "" {
				agg = "disabled"
			}
		}
	}
	if agg == "" {
		return "unknown"
	}
	return agg
}
