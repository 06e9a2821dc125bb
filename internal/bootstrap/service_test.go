//go:build unit

package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/outbox-relay/relay"
	libLog "github.com/LerianStudio/outbox-relay/relay/log"
	"github.com/LerianStudio/outbox-relay/relay/server"
)

func TestService_RunClosesHooksAfterApps(t *testing.T) {
	t.Parallel()

	var order []string

	manager := server.NewManager(libLog.NewNop()).
		OnShutdown("store", func(context.Context) error {
			order = append(order, "store")

			return nil
		}).
		OnShutdown("dispatcher", func(context.Context) error {
			order = append(order, "dispatcher")

			return errors.New("still draining")
		})

	svc := &Service{
		Config:  Config{ShutdownTimeout: time.Second},
		Logger:  libLog.NewNop(),
		Manager: manager,
	}

	svc.add("worker", relay.AppFunc(func(l *relay.Launcher) error {
		<-l.Context().Done()
		order = append(order, "worker")

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still draining")
	assert.Equal(t, []string{"worker", "dispatcher", "store"}, order)
}

func TestNewBase_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := newBase(context.Background(), Config{StoreDriver: "sqlite", DispatchLease: time.Second, Prefetch: 1})
	require.ErrorIs(t, err, ErrUnknownDriver)
}
