// Package circuitbreaker wraps sony/gobreaker so calls to a failing
// dependency fail fast instead of piling up. The outbox publisher routes
// every broker publish through a breaker named after the exchange.
package circuitbreaker
