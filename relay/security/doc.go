// Package security scrubs secrets out of free-form error text before it is
// persisted, e.g. into the lastError field of outbox and inbox records.
package security
