//go:build unit

package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeGoKeepRunningRecovers(t *testing.T) {
	logger := newTestLogger()

	SafeGo(logger, "dispatcher_worker", KeepRunning, func() {
		panic("claim exploded")
	})

	require.True(t, logger.waitForLog(time.Second))

	value, ok := logger.field("panic_value")
	require.True(t, ok)
	assert.Equal(t, "claim exploded", value)
}

func TestSafeGoWithContextPassesContext(t *testing.T) {
	type key struct{}

	ctx := context.WithValue(context.Background(), key{}, "v")

	var (
		wg  sync.WaitGroup
		got any
	)

	wg.Add(1)
	SafeGoWithContext(ctx, newTestLogger(), "inbox", "handler", KeepRunning, func(ctx context.Context) {
		defer wg.Done()
		got = ctx.Value(key{})
	})
	wg.Wait()

	assert.Equal(t, "v", got)
}

func TestRecoverWithPolicyCrashRepanics(t *testing.T) {
	logger := newTestLogger()

	assert.Panics(t, func() {
		defer RecoverWithPolicyAndContext(context.Background(), logger, "outbox", "critical", CrashProcess)
		panic("fatal")
	})
}

func TestRecoverAndLogWithContextSwallows(t *testing.T) {
	logger := newTestLogger()

	assert.NotPanics(t, func() {
		defer RecoverAndLogWithContext(context.Background(), logger, "outbox", "dispatch_once")
		panic(errors.New("boom"))
	})

	component, ok := logger.field("component")
	require.True(t, ok)
	assert.Equal(t, "outbox", component)
}

func TestProductionModeRedactsPanicDetails(t *testing.T) {
	SetProductionMode(true)
	t.Cleanup(func() { SetProductionMode(false) })

	reporter := &captureReporter{}
	SetErrorReporter(reporter)
	t.Cleanup(func() { SetErrorReporter(nil) })

	logger := newTestLogger()
	HandlePanicValue(context.Background(), logger, "password=hunter2", "api", "http_handler")

	_, hasValue := logger.field("panic_value")
	assert.False(t, hasValue)

	reporter.mu.Lock()
	defer reporter.mu.Unlock()

	require.Error(t, reporter.err)
	assert.Equal(t, redactedPanicMsg, reporter.err.Error())
	assert.NotContains(t, reporter.tags, "stack_trace")
}

func TestHandlePanicValueIgnoresNil(t *testing.T) {
	logger := newTestLogger()
	HandlePanicValue(context.Background(), logger, nil, "api", "http_handler")

	assert.Empty(t, logger.msgs)
}

func TestPanicPolicyString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "KeepRunning", KeepRunning.String())
	assert.Equal(t, "CrashProcess", CrashProcess.String())
	assert.Equal(t, "Unknown", PanicPolicy(42).String())
}
