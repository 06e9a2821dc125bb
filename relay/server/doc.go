// Package server runs the HTTP surface of a process under the relay
// Launcher and releases process resources in order on shutdown.
package server
