package wayland

import (
	"encoding/binary"
	"fmt"
)

// The Wayland wire format is native-endian; little-endian covers every
// platform this bridge targets.
var wireOrder = binary.LittleEndian

func putUint32(b []byte, v uint32) { wireOrder.PutUint32(b, v) }
func getUint32(b []byte) uint32    { return wireOrder.Uint32(b) }

// args incrementally encodes a request argument block.
type args struct {
	buf []byte
}

func (a *args) uint32(v uint32) *args {
	var b [4]byte
	putUint32(b[:], v)
	a.buf = append(a.buf, b[:]...)
	return a
}

// str encodes a Wayland string: uint32 length including the null
// terminator, the bytes, then padding to 4-byte alignment.
func (a *args) str(s string) *args {
	payload := append([]byte(s), 0)
	a.uint32(uint32(len(payload)))
	a.buf = append(a.buf, payload...)
	for len(a.buf)%4 != 0 {
		a.buf = append(a.buf, 0)
	}
	return a
}

func (a *args) bytes() []byte { return a.buf }

// decoder walks an event payload.
type decoder struct {
	buf []byte
}

func (d *decoder) uint32() (uint32, error) {
	if len(d.buf) < 4 {
		return 0, fmt.Errorf("wayland: short uint32 in payload")
	}
	v := getUint32(d.buf[:4])
	d.buf = d.buf[4:]
	return v, nil
}

func (d *decoder) str() (string, error) {
	length, err := d.uint32()
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	padded := (int(length) + 3) &^ 3
	if len(d.buf) < padded {
		return "", fmt.Errorf("wayland: short string in payload")
	}
	s := string(d.buf[:length-1]) // drop the null terminator
	d.buf = d.buf[padded:]
	return s, nil
}
