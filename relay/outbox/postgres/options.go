package postgres

import (
	"strings"
	"time"

	"github.com/LerianStudio/outbox-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	libPostgres "github.com/LerianStudio/outbox-relay/relay/postgres"
)

// DefaultTable is the outbox table name.
const DefaultTable = "outbox_events"

// ErrInvalidIdentifier is returned for a table name that is not a plain or
// schema-qualified SQL identifier.
var ErrInvalidIdentifier = libPostgres.ErrInvalidIdentifier

type settings struct {
	table  string
	logger libLog.Logger
	clock  func() time.Time
}

func newSettings(opts []Option) (settings, error) {
	s := settings{
		table:  DefaultTable,
		logger: libLog.NewNop(),
		clock:  time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}

	s.table = strings.TrimSpace(s.table)
	if s.table == "" {
		s.table = DefaultTable
	}

	if err := libPostgres.ValidateIdentifierPath(s.table); err != nil {
		return settings{}, err
	}

	return s, nil
}

// Option configures a Writer or a Repository.
type Option func(*settings)

// WithTable overrides the outbox table, optionally schema-qualified.
func WithTable(table string) Option {
	return func(s *settings) {
		s.table = table
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

// WithClock overrides time.Now for created_at, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}
