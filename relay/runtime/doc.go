// Package runtime keeps background goroutines alive through panics.
//
// Recovered panics are logged, counted, attached to the active span and
// forwarded to an optional ErrorReporter. Stack traces and panic values are
// redacted once production mode is enabled.
package runtime
