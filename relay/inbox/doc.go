// Package inbox deduplicates incoming events before their side effects run.
//
// Consumer records each delivery's message id in a Store whose unique
// constraint is the only dedup mechanism: the first insert wins and every
// redelivery is acknowledged without running the handler again. Handler
// failures are recorded on the inbox record and retried by the Sweeper from
// the stored payload, so the broker never redelivers a message the inbox
// already owns.
package inbox
