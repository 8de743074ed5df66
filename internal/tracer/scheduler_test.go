package tracer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiseki-io/kiseki/internal/testutil"
)

func TestTimerSchedulerRunsCleanup(t *testing.T) {
	done := make(chan uuid.UUID, 1)
	sched := NewTimerScheduler(testutil.TestLogger(), func(ctx context.Context, id uuid.UUID) error {
		done <- id
		return nil
	})

	want := uuid.New()
	sched.RunAfter(time.Millisecond, want)

	select {
	case got := <-done:
		assert.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		require.Fail(t, "cleanup did not run")
	}
}
