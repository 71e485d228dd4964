package wayland

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgsString(t *testing.T) {
	// "hi" → length 3 (incl. null), bytes h i \0, one pad byte.
	got := (&args{}).str("hi").bytes()
	assert.Equal(t, []byte{3, 0, 0, 0, 'h', 'i', 0, 0}, got)

	// Four bytes of content need no padding after the null... which
	// itself forces a full pad word: 5 content bytes pad to 8.
	got = (&args{}).str("mime").bytes()
	assert.Equal(t, []byte{5, 0, 0, 0, 'm', 'i', 'm', 'e', 0, 0, 0, 0}, got)
}

func TestArgsBindLayout(t *testing.T) {
	// registry.bind(name, interface, version, new_id) — the layout every
	// compositor parses during setup.
	got := (&args{}).uint32(7).str("wl_seat").uint32(7).uint32(4).bytes()

	d := decoder{buf: got}
	name, err := d.uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), name)

	iface, err := d.str()
	require.NoError(t, err)
	assert.Equal(t, "wl_seat", iface)

	version, err := d.uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), version)

	id, err := d.uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), id)
	assert.Empty(t, d.buf)
}

func TestDecoderErrors(t *testing.T) {
	d := decoder{buf: []byte{1, 0}}
	_, err := d.uint32()
	assert.Error(t, err)

	// Length claims more bytes than the payload holds.
	d = decoder{buf: []byte{10, 0, 0, 0, 'x'}}
	_, err = d.str()
	assert.Error(t, err)

	// Empty string: zero length, no bytes.
	d = decoder{buf: []byte{0, 0, 0, 0}}
	s, err := d.str()
	require.NoError(t, err)
	assert.Equal(t, "", s)
}

func TestTakeBuffered(t *testing.T) {
	c := &Conn{}

	// header: object=3, size=12 opcode=1, payload 4 bytes
	raw := make([]byte, 12)
	putUint32(raw[0:], 3)
	putUint32(raw[4:], uint32(1)|uint32(12)<<16)
	putUint32(raw[8:], 0xdeadbeef)

	// Feed one and a half messages.
	c.inBuf = append(c.inBuf, raw...)
	c.inBuf = append(c.inBuf, raw[:6]...)

	msg, ok := c.takeBuffered()
	require.True(t, ok)
	assert.Equal(t, uint32(3), msg.object)
	assert.Equal(t, uint16(1), msg.opcode)
	assert.Equal(t, uint32(0xdeadbeef), getUint32(msg.payload))

	_, ok = c.takeBuffered()
	assert.False(t, ok)

	// Completing the second message makes it available.
	c.inBuf = append(c.inBuf, raw[6:]...)
	msg, ok = c.takeBuffered()
	require.True(t, ok)
	assert.Equal(t, uint32(3), msg.object)
}

func TestPopFd(t *testing.T) {
	c := &Conn{pendingFds: []int{5, 9}}

	fd, ok := c.popFd()
	require.True(t, ok)
	assert.Equal(t, 5, fd)

	fd, ok = c.popFd()
	require.True(t, ok)
	assert.Equal(t, 9, fd)

	_, ok = c.popFd()
	assert.False(t, ok)
}
