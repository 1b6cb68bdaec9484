package metrics

// BreakerStateValue maps a breaker state name to the gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

// ObserveBreaker records a breaker transition.
func ObserveBreaker(endpoint, state string) {
	BreakerState.WithLabelValues(endpoint).Set(BreakerStateValue(state))
}

// ObserveQueue records queue depth by status.
func ObserveQueue(pending, deadLetter int) {
	QueueDepth.WithLabelValues("pending").Set(float64(pending))
	QueueDepth.WithLabelValues("dead_letter").Set(float64(deadLetter))
}
