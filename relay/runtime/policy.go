package runtime

// PanicPolicy decides what happens after a panic has been recorded.
type PanicPolicy int

const (
	// KeepRunning swallows the panic; the goroutine returns normally.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after recording.
	CrashProcess
)

// String returns the policy name.
func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "KeepRunning"
	case CrashProcess:
		return "CrashProcess"
	default:
		return "Unknown"
	}
}
