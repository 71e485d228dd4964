package x11

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
	"go.uber.org/zap"

	"github.com/berrythewa/clipbridge/internal/types"
)

// incrDeadline bounds a whole INCR streaming read.
const incrDeadline = 5 * time.Second

// pull fetches the current content of a remote-owned selection by trying
// the text targets in preference order. Each attempt is one selection
// conversion round-trip through a scratch property on our window. Returns
// ok=false when every target failed; the caller then emits nothing.
func (a *Adapter) pull(kind types.SelectionKind) (types.Content, bool) {
	targets := []struct {
		atom   xproto.Atom
		name   string
		latin1 bool
	}{
		{a.atoms.utf8String, "UTF8_STRING", false},
		{a.atoms.textPlain, "text/plain", false},
		{a.atoms.str, "STRING", true},
	}

	for i, target := range targets {
		scratch, err := a.scratchAtom(i)
		if err != nil {
			a.logger.Debug("intern scratch atom failed", zap.Error(err))
			continue
		}
		err = xproto.ConvertSelectionChecked(
			a.conn, a.window, a.selectionAtom(kind),
			target.atom, scratch, a.timestamp(),
		).Check()
		if err != nil {
			a.logger.Debug("convert selection failed",
				zap.String("target", target.name), zap.Error(err))
			continue
		}

		data, ok := a.awaitConversion(kind, scratch)
		if !ok {
			continue
		}
		text, ok := decodeText(data, target.latin1)
		if !ok {
			a.logger.Debug("selection payload failed to decode",
				zap.String("kind", kind.String()), zap.String("target", target.name))
			continue
		}
		return types.NewText(text), true
	}
	return types.Empty, false
}

// scratchAtom interns CLIP_TEMP_<i> lazily and caches it.
func (a *Adapter) scratchAtom(i int) (xproto.Atom, error) {
	if atom, ok := a.scratch[i]; ok {
		return atom, nil
	}
	name := fmt.Sprintf("CLIP_TEMP_%d", i)
	reply, err := xproto.InternAtom(a.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	a.scratch[i] = reply.Atom
	return reply.Atom, nil
}

// awaitConversion waits for the SelectionNotify answering our conversion
// request and reads the scratch property, following the INCR streaming
// convention if the owner chose it. Unrelated events arriving meanwhile are
// serviced inline or queued for replay.
func (a *Adapter) awaitConversion(kind types.SelectionKind, scratch xproto.Atom) ([]byte, bool) {
	timer := time.NewTimer(time.Duration(a.cfg.ConvertTimeout))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return nil, false
		case item, ok := <-a.events:
			if !ok {
				return nil, false
			}
			if item.err != nil {
				a.logger.Debug("x11 protocol error during pull", zap.String("error", item.err.Error()))
				continue
			}
			switch ev := item.ev.(type) {
			case xproto.SelectionNotifyEvent:
				a.noteTime(ev.Time)
				if ev.Requestor != a.window {
					continue
				}
				if ev.Property == xproto.AtomNone {
					// Owner refused this target.
					return nil, false
				}
				if ev.Property != scratch {
					continue
				}
				return a.readScratch(scratch)
			default:
				a.handleAside(item)
			}
		}
	}
}

// handleAside services events that arrive while a pull is in flight.
// Requests and clears are answered immediately; owner-change notifications
// are queued so the main loop replays them after the pull.
func (a *Adapter) handleAside(item xEvent) {
	switch ev := item.ev.(type) {
	case xfixes.SelectionNotifyEvent:
		a.noteTime(ev.Timestamp)
		a.pendingNotify = append(a.pendingNotify, ev)
	case xproto.SelectionRequestEvent:
		a.noteTime(ev.Time)
		a.handleSelectionRequest(ev)
	case xproto.SelectionClearEvent:
		a.noteTime(ev.Time)
		a.handleSelectionClear(ev)
	case xproto.PropertyNotifyEvent:
		a.noteTime(ev.Time)
	}
}

// readScratch reads the conversion result from the scratch property. A
// property of type INCR switches to the streaming read.
func (a *Adapter) readScratch(scratch xproto.Atom) ([]byte, bool) {
	reply, err := xproto.GetProperty(
		a.conn, false, a.window, scratch,
		xproto.GetPropertyTypeAny, 0, 1<<25,
	).Reply()
	if err != nil {
		a.logger.Debug("read scratch property failed", zap.Error(err))
		return nil, false
	}

	if reply.Type == a.atoms.incr {
		return a.readINCR(scratch)
	}

	if err := xproto.DeletePropertyChecked(a.conn, a.window, scratch).Check(); err != nil {
		a.logger.Debug("delete scratch property failed", zap.Error(err))
	}
	if len(reply.Value) == 0 {
		return nil, false
	}
	return reply.Value, true
}

// readINCR consumes an INCR transfer: deleting the announcement property
// starts the stream, then each PropertyNotify with NewValue carries one
// chunk, until a zero-length chunk ends it. This adapter consumes INCR but
// never originates it.
func (a *Adapter) readINCR(scratch xproto.Atom) ([]byte, bool) {
	if err := xproto.DeletePropertyChecked(a.conn, a.window, scratch).Check(); err != nil {
		a.logger.Debug("start INCR stream failed", zap.Error(err))
		return nil, false
	}

	var buf []byte
	stop := time.Now().Add(incrDeadline)
	for {
		if deadlineOver(stop) {
			a.logger.Debug("INCR transfer timed out", zap.Int("bytes", len(buf)))
			return nil, false
		}
		remain := time.Until(stop)
		timer := time.NewTimer(remain)
		select {
		case <-timer.C:
			a.logger.Debug("INCR transfer timed out", zap.Int("bytes", len(buf)))
			return nil, false
		case item, ok := <-a.events:
			timer.Stop()
			if !ok {
				return nil, false
			}
			if item.err != nil {
				continue
			}
			ev, isProp := item.ev.(xproto.PropertyNotifyEvent)
			if !isProp {
				a.handleAside(item)
				continue
			}
			a.noteTime(ev.Time)
			if ev.Window != a.window || ev.Atom != scratch || ev.State != xproto.PropertyNewValue {
				continue
			}
			// Reading with delete acknowledges the chunk and asks
			// for the next one.
			reply, err := xproto.GetProperty(
				a.conn, true, a.window, scratch,
				xproto.GetPropertyTypeAny, 0, 1<<25,
			).Reply()
			if err != nil {
				a.logger.Debug("read INCR chunk failed", zap.Error(err))
				return nil, false
			}
			if len(reply.Value) == 0 {
				return buf, len(buf) > 0
			}
			buf = append(buf, reply.Value...)
		}
	}
}

// decodeText turns a pulled payload into a string: UTF-8 validated for the
// UTF-8 targets, Latin-1 byte-to-codepoint mapping for STRING.
func decodeText(data []byte, latin1 bool) (string, bool) {
	if latin1 {
		return latin1ToString(data), true
	}
	if !utf8.Valid(data) {
		return "", false
	}
	return string(data), true
}

// latin1ToString maps each byte to the Unicode codepoint of the same value.
func latin1ToString(data []byte) string {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

func utf8Valid(data []byte) bool {
	return utf8.Valid(data)
}
