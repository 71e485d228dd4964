package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berrythewa/clipbridge/internal/types"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	defer q.Close()

	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	for i := 0; i < 100; i++ {
		select {
		case v := <-q.Out():
			assert.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for item %d", i)
		}
	}
}

func TestQueuePushDoesNotBlockWithoutConsumer(t *testing.T) {
	q := NewQueue[int]()
	defer q.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			q.Push(i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked without a consumer")
	}
}

func TestQueueCloseDrains(t *testing.T) {
	q := NewQueue[int]()
	q.Push(1)
	q.Push(2)
	q.Close()
	q.Close() // idempotent

	var got []int
	for v := range q.Out() {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2}, got)
}

func TestBusQueuesAreIndependent(t *testing.T) {
	b := New()
	defer func() {
		b.XObserved.Close()
		b.WObserved.Close()
		b.XAssert.Close()
		b.WAssert.Close()
	}()

	b.XObserved.Push(types.Observation{Kind: types.SelectionClipboard, Content: types.NewText("x")})
	b.WAssert.Push(types.Assertion{Kind: types.SelectionPrimary, Content: types.Empty})

	select {
	case obs := <-b.XObserved.Out():
		require.Equal(t, types.SelectionClipboard, obs.Kind)
	case <-time.After(time.Second):
		t.Fatal("x_observed never delivered")
	}
	select {
	case cmd := <-b.WAssert.Out():
		require.Equal(t, types.SelectionPrimary, cmd.Kind)
		assert.True(t, cmd.Content.IsEmpty())
	case <-time.After(time.Second):
		t.Fatal("w_assert never delivered")
	}

	// Nothing leaked onto the unrelated queues.
	select {
	case v := <-b.WObserved.Out():
		t.Fatalf("unexpected observation on w_observed: %+v", v)
	case v := <-b.XAssert.Out():
		t.Fatalf("unexpected assertion on x_assert: %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}
