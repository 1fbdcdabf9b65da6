package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestratord/internal/domain"
	"github.com/kandev/orchestratord/internal/repository"
	"github.com/kandev/orchestratord/internal/store"
)

func newTestHub(t *testing.T) (*Hub, *repository.Repository) {
	t.Helper()
	pool, err := store.OpenSQLitePool(":memory:")
	require.NoError(t, err)
	st, err := store.Open(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	repo := repository.New(st)
	return New(repo, nil), repo
}

// TestHub_MessageOrdering is a regression test for event delivery racing
// ahead of itself: handlers must observe events in the exact order they
// were published, since publish order is also eventId order.
func TestHub_MessageOrdering(t *testing.T) {
	hub, repo := newTestHub(t)
	run, err := repo.CreateRun(domain.OrchestrationPackage{}, nil)
	require.NoError(t, err)

	sub, err := hub.Subscribe(run.ID, 0)
	require.NoError(t, err)
	defer sub.Close()

	const numEvents = 100
	var wg sync.WaitGroup
	wg.Add(1)
	received := make([]int64, 0, numEvents)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := 0; i < numEvents; i++ {
			ev, ok := sub.Next(ctx)
			if !ok {
				return
			}
			received = append(received, ev.EventID)
		}
	}()

	for i := 0; i < numEvents; i++ {
		ev, err := repo.AppendEvent(run.ID, "worker.chunk", map[string]any{"i": i})
		require.NoError(t, err)
		hub.Publish(*ev)
	}

	wg.Wait()
	require.Len(t, received, numEvents)
	for i := 1; i < len(received); i++ {
		require.Less(t, received[i-1], received[i])
	}
}

func TestHub_ReplayThenLive_NoGapNoDuplicate(t *testing.T) {
	hub, repo := newTestHub(t)
	run, err := repo.CreateRun(domain.OrchestrationPackage{}, nil)
	require.NoError(t, err)

	var seeded []int64
	for i := 0; i < 3; i++ {
		ev, err := repo.AppendEvent(run.ID, "run.started", map[string]any{"i": i})
		require.NoError(t, err)
		seeded = append(seeded, ev.EventID)
		hub.Publish(*ev)
	}

	// Attach after the first event, asking for replay since seeded[0].
	sub, err := hub.Subscribe(run.ID, seeded[0])
	require.NoError(t, err)
	defer sub.Close()

	live, err := repo.AppendEvent(run.ID, "run.finished", map[string]any{})
	require.NoError(t, err)
	hub.Publish(*live)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []int64
	for i := 0; i < 3; i++ {
		ev, ok := sub.Next(ctx)
		require.True(t, ok)
		got = append(got, ev.EventID)
	}

	require.Equal(t, []int64{seeded[1], seeded[2], live.EventID}, got)
}

func TestHub_Publish_DropsWhenSubscriberQueueFull(t *testing.T) {
	hub, repo := newTestHub(t)
	hub.queueSize = 2
	run, err := repo.CreateRun(domain.OrchestrationPackage{}, nil)
	require.NoError(t, err)

	sub, err := hub.Subscribe(run.ID, 0)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		ev, err := repo.AppendEvent(run.ID, "worker.chunk", map[string]any{"i": i})
		require.NoError(t, err)
		hub.Publish(*ev)
	}

	require.Greater(t, sub.sub.dropped, 0)
}

func TestHub_Unsubscribe_RemovesFromRun(t *testing.T) {
	hub, repo := newTestHub(t)
	run, err := repo.CreateRun(domain.OrchestrationPackage{}, nil)
	require.NoError(t, err)

	sub, err := hub.Subscribe(run.ID, 0)
	require.NoError(t, err)
	require.Equal(t, 1, hub.SubscriberCount(run.ID))

	sub.Close()
	require.Equal(t, 0, hub.SubscriberCount(run.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := sub.Next(ctx)
	require.False(t, ok)
}

func TestHub_Publish_NoSubscribersIsNoop(t *testing.T) {
	hub, repo := newTestHub(t)
	run, err := repo.CreateRun(domain.OrchestrationPackage{}, nil)
	require.NoError(t, err)

	ev, err := repo.AppendEvent(run.ID, "run.started", map[string]any{})
	require.NoError(t, err)
	require.NotPanics(t, func() { hub.Publish(*ev) })
}
