// Package mongo stores outbox events in a MongoDB collection.
//
// Writer records events in the same multi-document transaction as the
// business mutation. Repository implements outbox.Repository: claims are a
// single FindOneAndUpdate and marks are conditioned on the claim's lockedAt,
// so any number of dispatchers can share one collection.
package mongo
