package runtime

import "sync/atomic"

var productionMode atomic.Bool

// SetProductionMode toggles redaction of panic values and stack traces.
func SetProductionMode(enabled bool) {
	productionMode.Store(enabled)
}

// IsProductionMode reports whether redaction is on.
func IsProductionMode() bool {
	return productionMode.Load()
}
