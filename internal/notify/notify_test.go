package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalNotifierDeliversToRoleListeners(t *testing.T) {
	n := NewLocalNotifier()
	ctx := context.Background()

	planner, cancelPlanner, err := n.Listen(ctx, "planner")
	require.NoError(t, err)
	defer cancelPlanner()

	builder, cancelBuilder, err := n.Listen(ctx, "builder")
	require.NoError(t, err)
	defer cancelBuilder()

	require.NoError(t, n.Wake(ctx, "planner"))

	select {
	case <-planner:
	case <-time.After(time.Second):
		t.Fatal("planner listener never woke")
	}

	select {
	case <-builder:
		t.Fatal("builder woke on planner's signal")
	default:
	}
}

func TestLocalNotifierCoalescesBursts(t *testing.T) {
	n := NewLocalNotifier()
	ctx := context.Background()

	wake, cancel, err := n.Listen(ctx, "planner")
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 10; i++ {
		require.NoError(t, n.Wake(ctx, "planner"))
	}

	<-wake
	select {
	case <-wake:
		// At most one more buffered signal is acceptable.
	default:
	}
	select {
	case <-wake:
		t.Fatal("burst was not coalesced")
	default:
	}
}

func TestLocalNotifierCancelStopsDelivery(t *testing.T) {
	n := NewLocalNotifier()
	ctx := context.Background()

	wake, cancel, err := n.Listen(ctx, "planner")
	require.NoError(t, err)
	cancel()

	require.NoError(t, n.Wake(ctx, "planner"))
	select {
	case <-wake:
		t.Fatal("cancelled listener still received a wake-up")
	default:
	}
}

func TestNopNotifierNeverFires(t *testing.T) {
	n := NewNopNotifier()
	ctx := context.Background()

	assert.NoError(t, n.Wake(ctx, "planner"))

	wake, cancel, err := n.Listen(ctx, "planner")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, n.Wake(ctx, "planner"))
	select {
	case <-wake:
		t.Fatal("nop notifier delivered a wake-up")
	case <-time.After(50 * time.Millisecond):
	}
}
