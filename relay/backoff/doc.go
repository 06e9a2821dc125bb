// Package backoff computes retry delays for the dispatcher, the inbox sweep
// and bus reconnects.
package backoff
