// Package constant holds literals shared by the relay packages: telemetry
// attribute keys, metric names, headers and listing limits.
package constant
