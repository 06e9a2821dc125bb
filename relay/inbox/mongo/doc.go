// Package mongo stores inbox records in a MongoDB collection keyed by
// message id, so the unique _id index rejects a second receipt.
package mongo
