// Package errgroup runs a set of long-lived loops that stop together: the
// first error, or the first panic, cancels the shared context.
package errgroup
