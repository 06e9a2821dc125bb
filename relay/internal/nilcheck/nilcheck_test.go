//go:build unit

package nilcheck

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type publisher interface {
	Publish(ctx context.Context) error
}

type brokerPublisher struct{}

func (*brokerPublisher) Publish(context.Context) error { return nil }

func TestInterface(t *testing.T) {
	t.Parallel()

	var typed *brokerPublisher
	var asInterface publisher = typed
	var nilFunc func()
	var nilMap map[string]int

	require.True(t, Interface(nil))
	require.True(t, Interface(typed))
	require.True(t, Interface(asInterface))
	require.True(t, Interface(nilFunc))
	require.True(t, Interface(nilMap))

	require.False(t, Interface(&brokerPublisher{}))
	require.False(t, Interface(0))
	require.False(t, Interface(""))
	require.False(t, Interface([]byte{}))
}
