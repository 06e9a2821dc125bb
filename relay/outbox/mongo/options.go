package mongo

import (
	"strings"
	"time"

	"github.com/LerianStudio/outbox-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
)

// DefaultCollection is the outbox collection name.
const DefaultCollection = "outbox"

type settings struct {
	collection string
	logger     libLog.Logger
	clock      func() time.Time
}

func newSettings(opts []Option) settings {
	s := settings{
		collection: DefaultCollection,
		logger:     libLog.NewNop(),
		clock:      time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}

	s.collection = strings.TrimSpace(s.collection)
	if s.collection == "" {
		s.collection = DefaultCollection
	}

	return s
}

// Option configures a Writer or a Repository.
type Option func(*settings)

// WithCollection overrides the outbox collection name.
func WithCollection(name string) Option {
	return func(s *settings) {
		s.collection = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger libLog.Logger) Option {
	return func(s *settings) {
		if nilcheck.Interface(logger) {
			return
		}

		s.logger = logger
	}
}

// WithClock overrides time.Now for createdAt, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}
