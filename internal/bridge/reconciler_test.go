package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/berrythewa/clipbridge/internal/bus"
	"github.com/berrythewa/clipbridge/internal/types"
)

func startReconciler(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New()
	r := NewReconciler(zap.NewNop(), b)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		b.XObserved.Close()
		b.WObserved.Close()
		for range b.XAssert.Out() {
		}
		for range b.WAssert.Out() {
		}
	})
	return b
}

func recvAssert(t *testing.T, q *bus.Queue[types.Assertion]) types.Assertion {
	t.Helper()
	select {
	case cmd, ok := <-q.Out():
		require.True(t, ok, "assert queue closed early")
		return cmd
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for assert")
		return types.Assertion{}
	}
}

func assertNoAssert(t *testing.T, b *bus.Bus) {
	t.Helper()
	select {
	case cmd := <-b.XAssert.Out():
		t.Fatalf("unexpected x assert: %+v", cmd)
	case cmd := <-b.WAssert.Out():
		t.Fatalf("unexpected w assert: %+v", cmd)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestForwardXToWayland(t *testing.T) {
	b := startReconciler(t)

	b.XObserved.Push(types.Observation{
		Kind:    types.SelectionClipboard,
		Content: types.NewText("hello"),
	})

	cmd := recvAssert(t, b.WAssert)
	assert.Equal(t, types.SelectionClipboard, cmd.Kind)
	s, _ := cmd.Content.Text()
	assert.Equal(t, "hello", s)

	// One-way forward: nothing bounces back to the X side.
	assertNoAssert(t, b)
}

func TestEchoSuppression(t *testing.T) {
	b := startReconciler(t)

	b.XObserved.Push(types.Observation{Kind: types.SelectionClipboard, Content: types.NewText("hello")})
	recvAssert(t, b.WAssert)

	// The Wayland side re-observes the content it was just told to set.
	b.WObserved.Push(types.Observation{Kind: types.SelectionClipboard, Content: types.NewText("hello")})
	assertNoAssert(t, b)

	// Repeated identical observations from either side stay suppressed.
	b.XObserved.Push(types.Observation{Kind: types.SelectionClipboard, Content: types.NewText("hello")})
	assertNoAssert(t, b)
}

func TestNewDeltaAfterEcho(t *testing.T) {
	b := startReconciler(t)

	b.XObserved.Push(types.Observation{Kind: types.SelectionClipboard, Content: types.NewText("one")})
	recvAssert(t, b.WAssert)
	b.WObserved.Push(types.Observation{Kind: types.SelectionClipboard, Content: types.NewText("one")})

	// A genuinely new Wayland copy flows to X.
	b.WObserved.Push(types.Observation{Kind: types.SelectionClipboard, Content: types.NewText("two")})
	cmd := recvAssert(t, b.XAssert)
	s, _ := cmd.Content.Text()
	assert.Equal(t, "two", s)
}

func TestKindsIndependent(t *testing.T) {
	b := startReconciler(t)

	b.XObserved.Push(types.Observation{Kind: types.SelectionClipboard, Content: types.NewText("clip")})
	cmd := recvAssert(t, b.WAssert)
	assert.Equal(t, types.SelectionClipboard, cmd.Kind)

	// The same text on the other kind is not an echo: ledgers are per kind.
	b.XObserved.Push(types.Observation{Kind: types.SelectionPrimary, Content: types.NewText("clip")})
	cmd = recvAssert(t, b.WAssert)
	assert.Equal(t, types.SelectionPrimary, cmd.Kind)
}

func TestEmptyForwarded(t *testing.T) {
	b := startReconciler(t)

	b.WObserved.Push(types.Observation{Kind: types.SelectionClipboard, Content: types.NewText("x")})
	recvAssert(t, b.XAssert)

	// Owner released: the clear travels to the other side once.
	b.WObserved.Push(types.Observation{Kind: types.SelectionClipboard, Content: types.Empty})
	cmd := recvAssert(t, b.XAssert)
	assert.True(t, cmd.Content.IsEmpty())

	b.XObserved.Push(types.Observation{Kind: types.SelectionClipboard, Content: types.Empty})
	assertNoAssert(t, b)
}

func TestBinaryLedgerRoundTrip(t *testing.T) {
	b := startReconciler(t)

	png := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a}
	b.WObserved.Push(types.Observation{
		Kind:    types.SelectionClipboard,
		Content: types.NewBinary(map[string][]byte{"image/png": png}),
	})

	cmd := recvAssert(t, b.XAssert)
	data, ok := cmd.Content.MIME("image/png")
	require.True(t, ok)
	assert.Equal(t, png, data)

	// The echo with identical bytes is suppressed.
	b.WObserved.Push(types.Observation{
		Kind:    types.SelectionClipboard,
		Content: types.NewBinary(map[string][]byte{"image/png": png}),
	})
	assertNoAssert(t, b)
}

func TestRunExitsWhenObservationQueuesClose(t *testing.T) {
	b := bus.New()
	r := NewReconciler(zap.NewNop(), b)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background())
	}()

	b.XObserved.Close()
	b.WObserved.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not exit after queues closed")
	}

	// Assert queues are closed on exit: the adapters' shutdown signal.
	for range b.XAssert.Out() {
	}
	for range b.WAssert.Out() {
	}
}
