package types

import (
	"bytes"
	"sort"
	"strings"
	"unicode/utf8"
)

// Content is an immutable-by-convention tagged container for a clipboard
// payload. It is one of three variants: text (canonical UTF-8 string),
// binary (MIME type to opaque bytes), or empty (selection cleared or never
// set). The zero value is the empty variant.
type Content struct {
	variant contentVariant
	text    string
	mimes   map[string][]byte
}

type contentVariant int

const (
	variantEmpty contentVariant = iota
	variantText
	variantBinary
)

// Empty is the cleared-selection content.
var Empty = Content{}

// NewText builds a text content. The string must be valid UTF-8; use
// TextFromBytes when decoding untrusted payloads.
func NewText(s string) Content {
	return Content{variant: variantText, text: s}
}

// TextFromBytes validates b as UTF-8 and builds a text content from it.
// Returns ok=false when b is not valid UTF-8.
func TextFromBytes(b []byte) (Content, bool) {
	if !utf8.Valid(b) {
		return Empty, false
	}
	return NewText(string(b)), true
}

// NewBinary builds a binary content from a MIME map. Entries with empty
// values are dropped; an empty (or fully dropped) map yields Empty.
func NewBinary(m map[string][]byte) Content {
	mimes := make(map[string][]byte, len(m))
	for mime, data := range m {
		if len(data) == 0 {
			continue
		}
		mimes[mime] = append([]byte(nil), data...)
	}
	if len(mimes) == 0 {
		return Empty
	}
	return Content{variant: variantBinary, mimes: mimes}
}

// AddMIME adds an entry to a binary content, turning an empty content into
// a binary one. Adding to a text content or adding an empty payload is a
// silent no-op, mirroring how Empty answers none to all queries.
func (c *Content) AddMIME(mime string, data []byte) {
	if c.variant == variantText || len(data) == 0 {
		return
	}
	if c.mimes == nil {
		c.mimes = make(map[string][]byte)
	}
	c.variant = variantBinary
	c.mimes[mime] = append([]byte(nil), data...)
}

// IsEmpty reports whether c is the empty variant.
func (c Content) IsEmpty() bool { return c.variant == variantEmpty }

// IsText reports whether c is the text variant.
func (c Content) IsText() bool { return c.variant == variantText }

// IsBinary reports whether c is the binary variant.
func (c Content) IsBinary() bool { return c.variant == variantBinary }

// Text returns the textual payload. For binary content it returns false;
// use MIME to pick an entry instead.
func (c Content) Text() (string, bool) {
	if c.variant != variantText {
		return "", false
	}
	return c.text, true
}

// MIME returns the payload stored for the exact (case-sensitive) MIME type.
func (c Content) MIME(mime string) ([]byte, bool) {
	if c.variant != variantBinary {
		return nil, false
	}
	data, ok := c.mimes[mime]
	return data, ok
}

// MIMEs enumerates the MIME types of a binary content, sorted for
// deterministic iteration. Nil for text and empty content.
func (c Content) MIMEs() []string {
	if c.variant != variantBinary {
		return nil
	}
	out := make([]string, 0, len(c.mimes))
	for mime := range c.mimes {
		out = append(out, mime)
	}
	sort.Strings(out)
	return out
}

// Equal reports structural equality: same variant, string-equal text or
// byte-equal payload per MIME entry.
func (c Content) Equal(other Content) bool {
	if c.variant != other.variant {
		return false
	}
	switch c.variant {
	case variantText:
		return c.text == other.text
	case variantBinary:
		if len(c.mimes) != len(other.mimes) {
			return false
		}
		for mime, data := range c.mimes {
			od, ok := other.mimes[mime]
			if !ok || !bytes.Equal(data, od) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// IsTextMIME reports whether a MIME string denotes a textual target: any
// text/* type, or one of the X11 text atoms used as Wayland MIME names.
func IsTextMIME(mime string) bool {
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch mime {
	case "UTF8_STRING", "STRING", "TEXT":
		return true
	}
	return false
}
