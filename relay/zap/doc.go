// Package zap implements log.Logger on top of go.uber.org/zap, teeing every
// entry into the OpenTelemetry log pipeline.
package zap
