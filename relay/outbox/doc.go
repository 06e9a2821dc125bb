// Package outbox implements the transactional outbox.
//
// A business mutation and the Event that describes it are written in the
// same store transaction (see the mongo and postgres subpackages). A
// Dispatcher then claims pending events one at a time, publishes them to the
// bus and marks them published. Claims carry a lease: a dispatcher that dies
// between claim and mark leaves a lockedAt that expires, after which any
// dispatcher may claim the record again. Delivery is at-least-once; the
// inbox package deduplicates on the consumer side.
package outbox
