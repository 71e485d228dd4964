package x11

import (
	"testing"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berrythewa/clipbridge/internal/types"
)

func TestDecodeText(t *testing.T) {
	t.Run("valid utf8", func(t *testing.T) {
		s, ok := decodeText([]byte{0x68, 0xc3, 0xa9, 0x6c, 0x6c, 0x6f}, false)
		require.True(t, ok)
		assert.Equal(t, "héllo", s)
	})

	t.Run("invalid utf8 dropped", func(t *testing.T) {
		_, ok := decodeText([]byte{0xe9, 0x6c}, false)
		assert.False(t, ok)
	})

	t.Run("latin1 always decodes", func(t *testing.T) {
		// 0xe9 is é in Latin-1 and invalid as UTF-8.
		s, ok := decodeText([]byte{0x68, 0xe9, 0x6c, 0x6c, 0x6f}, true)
		require.True(t, ok)
		assert.Equal(t, "héllo", s)
	})
}

func TestLatin1ToString(t *testing.T) {
	assert.Equal(t, "", latin1ToString(nil))
	assert.Equal(t, "Aéÿ", latin1ToString([]byte{0x41, 0xe9, 0xff}))
}

func TestTextPayload(t *testing.T) {
	tests := []struct {
		name    string
		content types.Content
		want    []byte
		ok      bool
	}{
		{"empty", types.Empty, nil, false},
		{"text", types.NewText("héllo"), []byte{0x68, 0xc3, 0xa9, 0x6c, 0x6c, 0x6f}, true},
		{
			"binary with preferred text mime",
			types.NewBinary(map[string][]byte{
				"image/png":                {1, 2},
				"text/plain;charset=utf-8": []byte("hi"),
				"text/plain":               []byte("lo"),
			}),
			[]byte("hi"), true,
		},
		{
			"binary with secondary text mime",
			types.NewBinary(map[string][]byte{"text/plain": []byte("lo")}),
			[]byte("lo"), true,
		},
		{
			"binary with other text mime",
			types.NewBinary(map[string][]byte{"text/html": []byte("<b>x</b>")}),
			[]byte("<b>x</b>"), true,
		},
		{
			"binary only",
			types.NewBinary(map[string][]byte{"image/png": {0x89, 0x50}}),
			nil, false,
		},
		{
			"text mime with invalid utf8 skipped",
			types.NewBinary(map[string][]byte{"text/plain": {0xff, 0xfe}}),
			nil, false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := textPayload(tt.content)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestAtomsRoundTrip(t *testing.T) {
	atoms := []xproto.Atom{1, 0x12345678, 0}
	buf := atomsToBytes(atoms)
	require.Len(t, buf, 12)
	assert.Equal(t, atoms, bytesToAtoms(buf))

	// Trailing partial words are ignored.
	assert.Equal(t, atoms, bytesToAtoms(append(buf, 0xaa, 0xbb)))
}
