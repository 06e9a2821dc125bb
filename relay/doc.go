// Package relay holds the process-level helpers shared by the outbox relay
// binaries: the app Launcher, request-scoped tracking values and environment
// configuration readers.
//
// Components live in subpackages: outbox (writer and dispatcher), inbox
// (idempotent consumer and retry sweep), mongo, postgres and rabbitmq
// (connection lifecycles), plus the logging and telemetry stack.
package relay
