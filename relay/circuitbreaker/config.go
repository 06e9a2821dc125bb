package circuitbreaker

import "time"

// Config holds breaker thresholds.
type Config struct {
	MaxRequests         uint32        // probes allowed while half-open
	Interval            time.Duration // closed-state count reset period
	Timeout             time.Duration // open-state duration before probing
	ConsecutiveFailures uint32        // trip after this many failures in a row
	FailureRatio        float64       // or trip above this ratio...
	MinRequests         uint32        // ...once this many requests were seen
}

// DefaultConfig suits most dependencies.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 15,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// BrokerConfig trips quickly: a dispatcher hammering a dead broker only
// burns claim attempts.
func BrokerConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

func (c Config) readyToTrip(requests, totalFailures, consecutiveFailures uint32) bool {
	if c.ConsecutiveFailures > 0 && consecutiveFailures >= c.ConsecutiveFailures {
		return true
	}

	if requests == 0 || requests < c.MinRequests || c.FailureRatio <= 0 {
		return false
	}

	return float64(totalFailures)/float64(requests) >= c.FailureRatio
}
