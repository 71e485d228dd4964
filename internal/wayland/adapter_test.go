package wayland

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/berrythewa/clipbridge/internal/types"
)

func TestResolveObservation(t *testing.T) {
	t.Run("nothing collected", func(t *testing.T) {
		_, ok := resolveObservation(map[string][]byte{})
		assert.False(t, ok)
	})

	t.Run("utf8 charset preferred over plain", func(t *testing.T) {
		content, ok := resolveObservation(map[string][]byte{
			"text/plain":               []byte("plain"),
			"text/plain;charset=utf-8": []byte("charset"),
		})
		require.True(t, ok)
		s, _ := content.Text()
		assert.Equal(t, "charset", s)
	})

	t.Run("plain preferred over UTF8_STRING", func(t *testing.T) {
		content, ok := resolveObservation(map[string][]byte{
			"UTF8_STRING": []byte("legacy"),
			"text/plain":  []byte("plain"),
		})
		require.True(t, ok)
		s, _ := content.Text()
		assert.Equal(t, "plain", s)
	})

	t.Run("invalid utf8 text falls through to binary", func(t *testing.T) {
		content, ok := resolveObservation(map[string][]byte{
			"text/plain": {0xff, 0xfe},
		})
		require.True(t, ok)
		assert.True(t, content.IsBinary())
		data, _ := content.MIME("text/plain")
		assert.Equal(t, []byte{0xff, 0xfe}, data)
	})

	t.Run("binary only", func(t *testing.T) {
		png := []byte{0x89, 0x50, 0x4e, 0x47}
		content, ok := resolveObservation(map[string][]byte{"image/png": png})
		require.True(t, ok)
		require.True(t, content.IsBinary())
		data, _ := content.MIME("image/png")
		assert.Equal(t, png, data)
	})

	t.Run("extra textual mime decodes", func(t *testing.T) {
		content, ok := resolveObservation(map[string][]byte{
			"text/html": []byte("<p>x</p>"),
		})
		require.True(t, ok)
		s, _ := content.Text()
		assert.Equal(t, "<p>x</p>", s)
	})
}

// recordedRequest captures one outbound request for ordering assertions.
type recordedRequest struct {
	object  uint32
	opcode  uint16
	payload []byte
}

// testAdapter builds an adapter wired to a request recorder instead of a
// live compositor connection.
func testAdapter(t *testing.T) (*Adapter, *[]recordedRequest) {
	t.Helper()
	var log []recordedRequest
	a := &Adapter{
		logger:    zap.NewNop(),
		nextID:    100,
		dcManager: 5,
		dcVersion: 2,
		dcDevice:  7,
		offers:    make(map[uint32]*remoteOffer),
		sources:   make(map[uint32]types.SelectionKind),
		current:   make(map[types.SelectionKind]uint32),
		snapshots: make(map[types.SelectionKind]types.Content),
	}
	a.send = func(object uint32, opcode uint16, payload []byte, fds ...int) error {
		log = append(log, recordedRequest{object: object, opcode: opcode, payload: payload})
		return nil
	}
	return a, &log
}

func TestAssertNewSourceBeforeDestroy(t *testing.T) {
	a, log := testAdapter(t)

	a.applyAssert(types.Assertion{Kind: types.SelectionClipboard, Content: types.NewText("hello")})
	first := a.current[types.SelectionClipboard]
	require.NotZero(t, first)

	*log = nil
	a.applyAssert(types.Assertion{Kind: types.SelectionClipboard, Content: types.NewText("world")})
	second := a.current[types.SelectionClipboard]
	require.NotEqual(t, first, second)

	// Required order: create new source, offer mimes, set_selection with
	// the new source, and only then destroy the old one.
	var createIdx, setIdx, destroyIdx = -1, -1, -1
	for i, req := range *log {
		switch {
		case req.object == a.dcManager && req.opcode == dcManagerReqCreateSource:
			createIdx = i
		case req.object == a.dcDevice && req.opcode == dcDeviceReqSetSelection:
			setIdx = i
		case req.object == first && req.opcode == sourceReqDestroy:
			destroyIdx = i
		}
	}
	require.GreaterOrEqual(t, createIdx, 0, "new source never created")
	require.GreaterOrEqual(t, setIdx, 0, "selection never set")
	require.GreaterOrEqual(t, destroyIdx, 0, "old source never destroyed")
	assert.Less(t, createIdx, setIdx)
	assert.Less(t, setIdx, destroyIdx)

	snap, _ := a.snapshots[types.SelectionClipboard].Text()
	assert.Equal(t, "world", snap)
}

func TestAssertTextAdvertisesAllTextMIMEs(t *testing.T) {
	a, log := testAdapter(t)
	a.applyAssert(types.Assertion{Kind: types.SelectionClipboard, Content: types.NewText("x")})

	var offered []string
	for _, req := range *log {
		if req.opcode == sourceReqOffer && req.object == a.current[types.SelectionClipboard] {
			d := decoder{buf: req.payload}
			mime, err := d.str()
			require.NoError(t, err)
			offered = append(offered, mime)
		}
	}
	assert.Equal(t, textOfferMIMEs, offered)
}

func TestAssertBinaryAdvertisesKeySet(t *testing.T) {
	a, log := testAdapter(t)
	a.applyAssert(types.Assertion{
		Kind: types.SelectionClipboard,
		Content: types.NewBinary(map[string][]byte{
			"image/png": {1}, "image/bmp": {2},
		}),
	})

	var offered []string
	for _, req := range *log {
		if req.opcode == sourceReqOffer && req.object == a.current[types.SelectionClipboard] {
			d := decoder{buf: req.payload}
			mime, err := d.str()
			require.NoError(t, err)
			offered = append(offered, mime)
		}
	}
	assert.Equal(t, []string{"image/bmp", "image/png"}, offered)
}

func TestAssertEmptyClearsSelection(t *testing.T) {
	a, log := testAdapter(t)
	a.applyAssert(types.Assertion{Kind: types.SelectionClipboard, Content: types.NewText("x")})
	owned := a.current[types.SelectionClipboard]
	require.NotZero(t, owned)

	*log = nil
	a.applyAssert(types.Assertion{Kind: types.SelectionClipboard, Content: types.Empty})

	require.NotEmpty(t, *log)
	first := (*log)[0]
	assert.Equal(t, a.dcDevice, first.object)
	assert.Equal(t, uint16(dcDeviceReqSetSelection), first.opcode)
	assert.Equal(t, uint32(0), getUint32(first.payload))

	assert.Zero(t, a.current[types.SelectionClipboard])
	_, hasSnap := a.snapshots[types.SelectionClipboard]
	assert.False(t, hasSnap)
}

func TestAssertKindsIndependent(t *testing.T) {
	a, _ := testAdapter(t)
	a.applyAssert(types.Assertion{Kind: types.SelectionClipboard, Content: types.NewText("clip")})
	a.applyAssert(types.Assertion{Kind: types.SelectionPrimary, Content: types.NewText("prim")})

	clip, _ := a.snapshots[types.SelectionClipboard].Text()
	prim, _ := a.snapshots[types.SelectionPrimary].Text()
	assert.Equal(t, "clip", clip)
	assert.Equal(t, "prim", prim)

	a.applyAssert(types.Assertion{Kind: types.SelectionPrimary, Content: types.Empty})
	clip, _ = a.snapshots[types.SelectionClipboard].Text()
	assert.Equal(t, "clip", clip)
}

func TestProbeListCoversSpecifiedMIMEs(t *testing.T) {
	want := []string{
		"text/plain;charset=utf-8", "text/plain", "UTF8_STRING",
		"image/png", "image/bmp", "image/jpeg",
	}
	assert.Equal(t, want, probeMIMEs)
}
