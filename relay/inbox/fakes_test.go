//go:build unit

package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/LerianStudio/outbox-relay/relay/outbox"
)

// memStore mirrors the unique-key insert and the retry claim of the real stores.
type memStore struct {
	mu        sync.Mutex
	records   map[string]*Record
	insertErr error
	markErr   error
	claimErr  error
}

func newMemStore(records ...Record) *memStore {
	store := &memStore{records: make(map[string]*Record)}

	for i := range records {
		record := records[i]
		store.records[record.MessageID] = &record
	}

	return store
}

func (s *memStore) InsertIfAbsent(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.insertErr != nil {
		return s.insertErr
	}

	if _, exists := s.records[record.MessageID]; exists {
		return ErrDuplicate
	}

	s.records[record.MessageID] = &record

	return nil
}

type memTxKey struct{}

// memTx holds the effects of one Complete call until it commits.
type memTx struct {
	effects []func()
}

// onCommit runs effect when the Complete carrying ctx commits, or at once
// outside a transaction.
func onCommit(ctx context.Context, effect func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.effects = append(tx.effects, effect)

		return
	}

	effect()
}

func (s *memStore) current(messageID string, attempt int) (*Record, error) {
	record, ok := s.records[messageID]
	if !ok {
		return nil, ErrRecordNotFound
	}

	if record.Status != StatusPending || record.Attempts != attempt {
		return nil, ErrAttemptSuperseded
	}

	return record, nil
}

// Complete runs apply outside the lock and commits its effects with the done
// status. markErr fails the commit, dropping the effects.
func (s *memStore) Complete(ctx context.Context, messageID string, attempt int, processedAt time.Time, apply func(ctx context.Context) error) error {
	s.mu.Lock()
	_, err := s.current(messageID, attempt)
	s.mu.Unlock()

	if err != nil {
		return err
	}

	tx := &memTx{}

	if err := apply(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.markErr != nil {
		return s.markErr
	}

	record, err := s.current(messageID, attempt)
	if err != nil {
		return err
	}

	record.Status = StatusDone
	record.ProcessedAt = &processedAt
	record.UpdatedAt = processedAt
	record.LastError = nil

	for _, effect := range tx.effects {
		effect()
	}

	return nil
}

func (s *memStore) MarkFailed(_ context.Context, messageID string, attempt int, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.markErr != nil {
		return s.markErr
	}

	record, err := s.current(messageID, attempt)
	if errors.Is(err, ErrAttemptSuperseded) {
		return nil
	}

	if err != nil {
		return err
	}

	record.Status = StatusFailed
	record.LastError = &errMsg
	record.UpdatedAt = at

	return nil
}

func (s *memStore) setMarkErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markErr = err
}

func (s *memStore) ClaimRetry(_ context.Context, now time.Time, staleAfter time.Duration, maxAttempts int) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claimErr != nil {
		return nil, s.claimErr
	}

	var oldest *Record

	for _, record := range s.records {
		if record.Attempts >= maxAttempts {
			continue
		}

		retryable := record.Status == StatusFailed ||
			(record.Status == StatusPending && record.UpdatedAt.Before(now.Add(-staleAfter)))
		if !retryable {
			continue
		}

		if oldest == nil || record.ReceivedAt.Before(oldest.ReceivedAt) {
			oldest = record
		}
	}

	if oldest == nil {
		return nil, ErrNoRetryableMessages
	}

	oldest.Status = StatusPending
	oldest.Attempts++
	oldest.UpdatedAt = now

	claimed := *oldest

	return &claimed, nil
}

func (s *memStore) get(messageID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[messageID]
	if !ok {
		return Record{}, false
	}

	return *record, true
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}

// fakeDelivery records how it was settled.
type fakeDelivery struct {
	messageID  string
	routingKey string
	body       []byte
	headers    map[string]any

	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func newDelivery(messageID, routingKey string, payload string) *fakeDelivery {
	body, _ := outbox.Envelope{
		Type:      routingKey,
		MessageID: messageID,
		Payload:   json.RawMessage(payload),
	}.Marshal()

	return &fakeDelivery{messageID: messageID, routingKey: routingKey, body: body}
}

func (d *fakeDelivery) MessageID() string       { return d.messageID }
func (d *fakeDelivery) RoutingKey() string      { return d.routingKey }
func (d *fakeDelivery) Body() []byte            { return d.body }
func (d *fakeDelivery) Headers() map[string]any { return d.headers }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.acks++

	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nacks++
	d.requeue = requeue

	return nil
}

func (d *fakeDelivery) settled() (acks, nacks int, requeue bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.acks, d.nacks, d.requeue
}

// countingHandler counts runs and fails the first failures of them. A
// successful run reserves once the store commits it.
type countingHandler struct {
	mu       sync.Mutex
	calls    int
	failures int
	reserved int
	seen     []Message
}

func (h *countingHandler) handle(ctx context.Context, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls++
	h.seen = append(h.seen, msg)

	if h.calls <= h.failures {
		return errReservationUnavailable
	}

	onCommit(ctx, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		h.reserved++
	})

	return nil
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.calls
}

func (h *countingHandler) committed() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.reserved
}
