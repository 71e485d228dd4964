// Package x11 implements the X11 side of the selection bridge: a single
// invisible window that observes selection-owner changes through XFixes,
// pulls remote-owned content with selection conversion round-trips, and
// claims ownership to serve content asserted by the reconciler.
package x11

import (
	"context"
	"fmt"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
	"go.uber.org/zap"

	"github.com/berrythewa/clipbridge/internal/bus"
	"github.com/berrythewa/clipbridge/internal/config"
	"github.com/berrythewa/clipbridge/internal/types"
)

// atomSet caches the atoms interned at startup.
type atomSet struct {
	clipboard     xproto.Atom
	primary       xproto.Atom
	targets       xproto.Atom
	multiple      xproto.Atom
	incr          xproto.Atom
	utf8String    xproto.Atom
	text          xproto.Atom
	str           xproto.Atom
	textPlainUTF8 xproto.Atom
	textPlain     xproto.Atom
	content       xproto.Atom
}

var atomNames = []string{
	"CLIPBOARD", "PRIMARY", "TARGETS", "MULTIPLE", "INCR",
	"UTF8_STRING", "TEXT", "STRING",
	"text/plain;charset=utf-8", "text/plain",
	"CLIPBRIDGE_CONTENT",
}

// xEvent carries one WaitForEvent result from the pump goroutine.
type xEvent struct {
	ev  xgb.Event
	err xgb.Error
}

// Adapter is the X11 selection state machine. All fields are owned by the
// goroutine running Run; the bus queues are the only way in or out.
type Adapter struct {
	cfg    config.X11Config
	logger *zap.Logger

	conn   *xgb.Conn
	window xproto.Window
	atoms  atomSet

	// Scratch property atoms for selection conversion, interned lazily
	// per attempt index.
	scratch map[int]xproto.Atom

	snapshots map[types.SelectionKind]types.Content
	owned     map[types.SelectionKind]bool

	lastEventTime xproto.Timestamp

	events   chan xEvent
	observed *bus.Queue[types.Observation]
	asserts  *bus.Queue[types.Assertion]

	// XFixes notifications seen while a pull was in flight, replayed
	// once the pull settles.
	pendingNotify []xfixes.SelectionNotifyEvent
}

// New connects to the X server, creates the owner window, interns the atom
// set and subscribes to XFixes selection events for both selections. Any
// failure here is fatal to startup.
func New(cfg config.X11Config, logger *zap.Logger, observed *bus.Queue[types.Observation], asserts *bus.Queue[types.Assertion]) (*Adapter, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("connect to X server: %w", err)
	}

	if err := xfixes.Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init xfixes: %w", err)
	}
	if _, err := xfixes.QueryVersion(conn, 5, 0).Reply(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("negotiate xfixes version: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	window, err := xproto.NewWindowId(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("allocate window id: %w", err)
	}
	err = xproto.CreateWindowChecked(
		conn, screen.RootDepth, window, screen.Root,
		0, 0, 1, 1, 0,
		xproto.WindowClassInputOutput, screen.RootVisual,
		xproto.CwEventMask,
		[]uint32{xproto.EventMaskPropertyChange | xproto.EventMaskStructureNotify},
	).Check()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create owner window: %w", err)
	}

	atoms, err := internAtoms(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	const mask = xfixes.SelectionEventMaskSetSelectionOwner |
		xfixes.SelectionEventMaskSelectionWindowDestroy |
		xfixes.SelectionEventMaskSelectionClientClose
	for _, sel := range []xproto.Atom{atoms.clipboard, atoms.primary} {
		if err := xfixes.SelectSelectionInputChecked(conn, window, sel, mask).Check(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe selection events: %w", err)
		}
	}

	a := &Adapter{
		cfg:       cfg,
		logger:    logger,
		conn:      conn,
		window:    window,
		atoms:     atoms,
		scratch:   make(map[int]xproto.Atom),
		snapshots: make(map[types.SelectionKind]types.Content),
		owned:     make(map[types.SelectionKind]bool),
		events:    make(chan xEvent, 64),
		observed:  observed,
		asserts:   asserts,
	}
	return a, nil
}

func internAtoms(conn *xgb.Conn) (atomSet, error) {
	var atoms atomSet
	dst := []*xproto.Atom{
		&atoms.clipboard, &atoms.primary, &atoms.targets, &atoms.multiple,
		&atoms.incr, &atoms.utf8String, &atoms.text, &atoms.str,
		&atoms.textPlainUTF8, &atoms.textPlain, &atoms.content,
	}
	for i, name := range atomNames {
		reply, err := xproto.InternAtom(conn, false, uint16(len(name)), name).Reply()
		if err != nil {
			return atomSet{}, fmt.Errorf("intern atom %s: %w", name, err)
		}
		*dst[i] = reply.Atom
	}
	return atoms, nil
}

// Close releases the X connection. Only for teardown before Run was ever
// started; Run owns the connection once it is running.
func (a *Adapter) Close() {
	a.conn.Close()
}

// Run pumps X events and assert commands until the context is cancelled or
// the assert queue is closed, then releases owned selections and closes the
// observed queue. A broken connection terminates the adapter with an error.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.observed.Close()
	defer a.conn.Close()

	go a.pumpEvents()

	a.logger.Info("x11 adapter running",
		zap.Uint32("window", uint32(a.window)),
		zap.String("timestamp_policy", a.cfg.TimestampPolicy))

	for {
		// Replay XFixes notifications queued during a pull.
		for len(a.pendingNotify) > 0 {
			ev := a.pendingNotify[0]
			a.pendingNotify = a.pendingNotify[1:]
			a.handleOwnerChange(ev)
		}

		select {
		case <-ctx.Done():
			a.release()
			return nil
		case cmd, ok := <-a.asserts.Out():
			if !ok {
				a.release()
				return nil
			}
			a.applyAssert(cmd)
		case item, ok := <-a.events:
			if !ok {
				return fmt.Errorf("x11 connection closed")
			}
			a.dispatch(item)
		}
	}
}

// pumpEvents turns the blocking WaitForEvent into a channel. WaitForEvent
// returning (nil, nil) means the connection is gone.
func (a *Adapter) pumpEvents() {
	for {
		ev, err := a.conn.WaitForEvent()
		if ev == nil && err == nil {
			close(a.events)
			return
		}
		a.events <- xEvent{ev: ev, err: err}
	}
}

func (a *Adapter) dispatch(item xEvent) {
	if item.err != nil {
		a.logger.Debug("x11 protocol error", zap.String("error", item.err.Error()))
		return
	}
	switch ev := item.ev.(type) {
	case xfixes.SelectionNotifyEvent:
		a.noteTime(ev.Timestamp)
		a.handleOwnerChange(ev)
	case xproto.SelectionRequestEvent:
		a.noteTime(ev.Time)
		a.handleSelectionRequest(ev)
	case xproto.SelectionClearEvent:
		a.noteTime(ev.Time)
		a.handleSelectionClear(ev)
	case xproto.SelectionNotifyEvent:
		// A stray conversion reply outside a pull; stale, drop it.
		a.noteTime(ev.Time)
	case xproto.PropertyNotifyEvent:
		// Only meaningful as the INCR pump inside a pull.
		a.noteTime(ev.Time)
	}
}

func (a *Adapter) noteTime(t xproto.Timestamp) {
	if t != 0 {
		a.lastEventTime = t
	}
}

// timestamp resolves the configured timestamp policy for selection requests.
func (a *Adapter) timestamp() xproto.Timestamp {
	if a.cfg.TimestampPolicy == config.TimestampLastEvent && a.lastEventTime != 0 {
		return a.lastEventTime
	}
	return xproto.TimeCurrentTime
}

func (a *Adapter) selectionAtom(kind types.SelectionKind) xproto.Atom {
	if kind == types.SelectionPrimary {
		return a.atoms.primary
	}
	return a.atoms.clipboard
}

func (a *Adapter) selectionKind(sel xproto.Atom) (types.SelectionKind, bool) {
	switch sel {
	case a.atoms.clipboard:
		return types.SelectionClipboard, true
	case a.atoms.primary:
		return types.SelectionPrimary, true
	}
	return 0, false
}

// handleOwnerChange reacts to an XFixes selection-owner notification.
func (a *Adapter) handleOwnerChange(ev xfixes.SelectionNotifyEvent) {
	kind, ok := a.selectionKind(ev.Selection)
	if !ok {
		return
	}
	if ev.Owner == xproto.Window(a.window) {
		return
	}
	a.owned[kind] = false
	if ev.Owner == 0 {
		a.observed.Push(types.Observation{Kind: kind, Content: types.Empty})
		return
	}
	if content, ok := a.pull(kind); ok {
		a.observed.Push(types.Observation{Kind: kind, Content: content})
	}
}

// applyAssert claims ownership of the selection and stores the snapshot the
// serve path will answer from. Only text-convertible content is asserted
// through X; binary-only content is a no-op here.
func (a *Adapter) applyAssert(cmd types.Assertion) {
	kind := cmd.Kind
	if cmd.Content.IsEmpty() {
		delete(a.snapshots, kind)
		if a.owned[kind] {
			a.owned[kind] = false
			if err := xproto.SetSelectionOwnerChecked(a.conn, 0, a.selectionAtom(kind), a.timestamp()).Check(); err != nil {
				a.logger.Warn("release selection failed", zap.String("kind", kind.String()), zap.Error(err))
			}
		}
		a.logger.Debug("cleared x11 selection", zap.String("kind", kind.String()))
		return
	}

	payload, ok := textPayload(cmd.Content)
	if !ok {
		a.logger.Debug("assert without text payload, not claiming x11 selection",
			zap.String("kind", kind.String()))
		return
	}

	a.snapshots[kind] = cmd.Content

	err := xproto.ChangePropertyChecked(
		a.conn, xproto.PropModeReplace, a.window, a.atoms.content,
		a.atoms.utf8String, 8, uint32(len(payload)), payload,
	).Check()
	if err != nil {
		a.logger.Warn("stage selection payload failed", zap.Error(err))
		return
	}
	if err := xproto.SetSelectionOwnerChecked(a.conn, a.window, a.selectionAtom(kind), a.timestamp()).Check(); err != nil {
		a.logger.Warn("claim selection failed", zap.String("kind", kind.String()), zap.Error(err))
		return
	}
	a.owned[kind] = true
	a.logger.Debug("claimed x11 selection",
		zap.String("kind", kind.String()), zap.Int("bytes", len(payload)))
}

// handleSelectionRequest serves another client asking for our snapshot.
func (a *Adapter) handleSelectionRequest(ev xproto.SelectionRequestEvent) {
	property := ev.Property
	if property == xproto.AtomNone {
		property = ev.Target
	}

	kind, ok := a.selectionKind(ev.Selection)
	if !ok {
		a.sendSelectionNotify(ev, xproto.AtomNone)
		return
	}

	switch ev.Target {
	case a.atoms.targets:
		targets := []xproto.Atom{a.atoms.utf8String, a.atoms.str, a.atoms.text, a.atoms.targets}
		err := xproto.ChangePropertyChecked(
			a.conn, xproto.PropModeReplace, ev.Requestor, property,
			xproto.AtomAtom, 32, uint32(len(targets)), atomsToBytes(targets),
		).Check()
		if err != nil {
			a.logger.Debug("write TARGETS reply failed", zap.Error(err))
			property = xproto.AtomNone
		}

	case a.atoms.multiple:
		a.handleMultiple(ev)

	case a.atoms.utf8String, a.atoms.str, a.atoms.text:
		payload, ok := textPayload(a.snapshots[kind])
		if !ok {
			property = xproto.AtomNone
			break
		}
		err := xproto.ChangePropertyChecked(
			a.conn, xproto.PropModeReplace, ev.Requestor, property,
			a.atoms.utf8String, 8, uint32(len(payload)), payload,
		).Check()
		if err != nil {
			a.logger.Debug("write selection reply failed", zap.Error(err))
			property = xproto.AtomNone
		}

	default:
		property = xproto.AtomNone
	}

	a.sendSelectionNotify(ev, property)
}

// handleMultiple answers a MULTIPLE request by setting every requested
// sub-property to empty. Full MULTIPLE is not implemented.
func (a *Adapter) handleMultiple(ev xproto.SelectionRequestEvent) {
	reply, err := xproto.GetProperty(
		a.conn, false, ev.Requestor, ev.Property,
		xproto.GetPropertyTypeAny, 0, 1<<16,
	).Reply()
	if err != nil || reply.Format != 32 {
		return
	}
	pairs := bytesToAtoms(reply.Value)
	for i := 0; i+1 < len(pairs); i += 2 {
		subProperty := pairs[i+1]
		if subProperty == xproto.AtomNone {
			continue
		}
		if err := xproto.ChangePropertyChecked(
			a.conn, xproto.PropModeReplace, ev.Requestor, subProperty,
			a.atoms.utf8String, 8, 0, nil,
		).Check(); err != nil {
			a.logger.Debug("write MULTIPLE sub-property failed", zap.Error(err))
		}
	}
}

func (a *Adapter) sendSelectionNotify(ev xproto.SelectionRequestEvent, property xproto.Atom) {
	notify := xproto.SelectionNotifyEvent{
		Time:      ev.Time,
		Requestor: ev.Requestor,
		Selection: ev.Selection,
		Target:    ev.Target,
		Property:  property,
	}
	if err := xproto.SendEventChecked(a.conn, false, ev.Requestor, 0, string(notify.Bytes())).Check(); err != nil {
		a.logger.Debug("send SelectionNotify failed", zap.Error(err))
	}
}

// handleSelectionClear drops the snapshot for a selection we no longer own.
// No observation is emitted; the matching XFixes notify covers the change.
func (a *Adapter) handleSelectionClear(ev xproto.SelectionClearEvent) {
	kind, ok := a.selectionKind(ev.Selection)
	if !ok {
		return
	}
	delete(a.snapshots, kind)
	a.owned[kind] = false
	a.logger.Debug("lost x11 selection ownership", zap.String("kind", kind.String()))
}

// release gives up any owned selections on shutdown. Polite, not required.
func (a *Adapter) release() {
	for kind, owned := range a.owned {
		if !owned {
			continue
		}
		if err := xproto.SetSelectionOwnerChecked(a.conn, 0, a.selectionAtom(kind), a.timestamp()).Check(); err != nil {
			a.logger.Debug("release on shutdown failed", zap.String("kind", kind.String()), zap.Error(err))
		}
	}
}

// textPayload extracts the UTF-8 bytes an X requestor should receive for
// the given content: the text itself, or the best text-convertible entry of
// a binary payload.
func textPayload(c types.Content) ([]byte, bool) {
	if s, ok := c.Text(); ok {
		return []byte(s), true
	}
	if !c.IsBinary() {
		return nil, false
	}
	for _, mime := range []string{"text/plain;charset=utf-8", "text/plain", "UTF8_STRING"} {
		if data, ok := c.MIME(mime); ok && utf8Valid(data) {
			return data, true
		}
	}
	for _, mime := range c.MIMEs() {
		if types.IsTextMIME(mime) {
			if data, ok := c.MIME(mime); ok && utf8Valid(data) {
				return data, true
			}
		}
	}
	return nil, false
}

func atomsToBytes(atoms []xproto.Atom) []byte {
	buf := make([]byte, len(atoms)*4)
	for i, atom := range atoms {
		xgb.Put32(buf[i*4:], uint32(atom))
	}
	return buf
}

func bytesToAtoms(buf []byte) []xproto.Atom {
	atoms := make([]xproto.Atom, 0, len(buf)/4)
	for i := 0; i+4 <= len(buf); i += 4 {
		atoms = append(atoms, xproto.Atom(xgb.Get32(buf[i:])))
	}
	return atoms
}

func deadlineOver(deadline time.Time) bool {
	return !time.Now().Before(deadline)
}
