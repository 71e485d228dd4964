package wayland

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/berrythewa/clipbridge/internal/bus"
	"github.com/berrythewa/clipbridge/internal/config"
	"github.com/berrythewa/clipbridge/internal/types"
)

// Interface names and opcodes for the protocols the adapter speaks.
// Requests and events are numbered per the protocol XML.
const (
	ifaceSeat      = "wl_seat"
	ifaceDCManager = "zwlr_data_control_manager_v1"
	ifacePSManager = "zwp_primary_selection_device_manager_v1"

	displayReqSync        = 0
	displayReqGetRegistry = 1
	displayEvtError       = 0
	displayEvtDeleteID    = 1

	registryReqBind   = 0
	registryEvtGlobal = 0

	callbackEvtDone = 0

	dcManagerReqCreateSource  = 0
	dcManagerReqGetDataDevice = 1

	dcDeviceReqSetSelection        = 0
	dcDeviceReqSetPrimarySelection = 2
	dcDeviceEvtDataOffer           = 0
	dcDeviceEvtSelection           = 1
	dcDeviceEvtFinished            = 2
	dcDeviceEvtPrimarySelection    = 3

	sourceReqOffer     = 0
	sourceReqDestroy   = 1
	sourceEvtSend      = 0
	sourceEvtCancelled = 1

	offerReqReceive = 0
	offerReqDestroy = 1
	offerEvtOffer   = 0

	psManagerReqCreateSource = 0
	psManagerReqGetDevice    = 1

	psDeviceReqSetSelection = 0
	psDeviceEvtDataOffer    = 0
	psDeviceEvtSelection    = 1
)

// textOfferMIMEs is what a text assertion advertises to Wayland clients.
var textOfferMIMEs = []string{
	"text/plain;charset=utf-8", "text/plain", "UTF8_STRING", "TEXT", "STRING",
}

// probeMIMEs is the fixed list tried when draining a remote offer. Probing
// is list-driven rather than offer-driven; the advertised set is only
// logged.
var probeMIMEs = []string{
	"text/plain;charset=utf-8", "text/plain", "UTF8_STRING",
	"image/png", "image/bmp", "image/jpeg",
}

// remoteOffer accumulates the MIME types a remote offer advertises before
// the selection event hands it to a drain worker.
type remoteOffer struct {
	mimes []string
}

// Adapter is the Wayland selection state machine. All maps are owned by
// the goroutine running Run; drain workers communicate back through the
// results channel and only touch the connection's serialized write path.
type Adapter struct {
	cfg         config.WaylandConfig
	syncPrimary bool
	logger      *zap.Logger

	conn   *Conn
	nextID uint32

	// send issues one outbound request. It is the connection's request
	// method in production and a recorder in tests.
	send func(object uint32, opcode uint16, payload []byte, fds ...int) error

	registry  uint32
	seat      uint32
	dcManager uint32
	dcVersion uint32
	psManager uint32 // bound only when the data-control manager is v1
	dcDevice  uint32
	psDevice  uint32

	offers    map[uint32]*remoteOffer
	sources   map[uint32]types.SelectionKind
	current   map[types.SelectionKind]uint32
	snapshots map[types.SelectionKind]types.Content

	events   chan message
	results  chan types.Observation
	observed *bus.Queue[types.Observation]
	asserts  *bus.Queue[types.Assertion]
}

type global struct {
	name    uint32
	iface   string
	version uint32
}

// New connects to the compositor, binds the required globals and obtains
// the selection devices. Missing required globals are fatal to startup.
func New(cfg config.WaylandConfig, syncPrimary bool, logger *zap.Logger, observed *bus.Queue[types.Observation], asserts *bus.Queue[types.Assertion]) (*Adapter, error) {
	conn, err := Dial()
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:         cfg,
		syncPrimary: syncPrimary,
		logger:      logger,
		conn:        conn,
		nextID:      2, // wl_display is 1
		offers:      make(map[uint32]*remoteOffer),
		sources:     make(map[uint32]types.SelectionKind),
		current:     make(map[types.SelectionKind]uint32),
		snapshots:   make(map[types.SelectionKind]types.Content),
		events:      make(chan message, 64),
		results:     make(chan types.Observation, 16),
		observed:    observed,
		asserts:     asserts,
	}
	a.send = conn.request

	if err := a.setup(); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *Adapter) alloc() uint32 {
	id := a.nextID
	a.nextID++
	return id
}

// setup runs the registry dance: enumerate globals, bind, create devices.
func (a *Adapter) setup() error {
	a.registry = a.alloc()
	if err := a.send(1, displayReqGetRegistry, (&args{}).uint32(a.registry).bytes()); err != nil {
		return err
	}

	var globals []global
	err := a.roundtrip(func(msg message) error {
		if msg.object != a.registry || msg.opcode != registryEvtGlobal {
			return nil
		}
		d := decoder{buf: msg.payload}
		name, err := d.uint32()
		if err != nil {
			return err
		}
		iface, err := d.str()
		if err != nil {
			return err
		}
		version, err := d.uint32()
		if err != nil {
			return err
		}
		globals = append(globals, global{name: name, iface: iface, version: version})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enumerate globals: %w", err)
	}

	var seatG, dcG, psG *global
	for i := range globals {
		g := &globals[i]
		switch g.iface {
		case ifaceSeat:
			if seatG == nil {
				seatG = g
			}
		case ifaceDCManager:
			dcG = g
		case ifacePSManager:
			psG = g
		}
	}
	if seatG == nil {
		return errors.New("wayland: wl_seat not advertised")
	}
	if dcG == nil {
		return errors.New("wayland: compositor does not support " + ifaceDCManager)
	}

	a.seat = a.alloc()
	if err := a.bind(seatG, min(seatG.version, 7), a.seat); err != nil {
		return err
	}

	a.dcVersion = min(dcG.version, 2)
	a.dcManager = a.alloc()
	if err := a.bind(dcG, a.dcVersion, a.dcManager); err != nil {
		return err
	}

	a.dcDevice = a.alloc()
	err = a.send(a.dcManager, dcManagerReqGetDataDevice,
		(&args{}).uint32(a.dcDevice).uint32(a.seat).bytes())
	if err != nil {
		return err
	}

	// The primary-selection protocol needs an input serial for
	// set_selection, which a headless bridge does not have; it is bound
	// only as a fallback when the data-control manager predates v2.
	if a.dcVersion < 2 && psG != nil {
		a.psManager = a.alloc()
		if err := a.bind(psG, 1, a.psManager); err != nil {
			return err
		}
		a.psDevice = a.alloc()
		err = a.send(a.psManager, psManagerReqGetDevice,
			(&args{}).uint32(a.psDevice).uint32(a.seat).bytes())
		if err != nil {
			return err
		}
	}

	// Flush the device creation and pick up the initial selection state.
	if err := a.roundtrip(a.dispatch); err != nil {
		return fmt.Errorf("initial selection state: %w", err)
	}

	a.logger.Info("wayland adapter bound",
		zap.Uint32("data_control_version", a.dcVersion),
		zap.Bool("primary_fallback", a.psManager != 0),
		zap.Bool("sync_primary", a.syncPrimary))
	return nil
}

func (a *Adapter) bind(g *global, version, id uint32) error {
	payload := (&args{}).uint32(g.name).str(g.iface).uint32(version).uint32(id).bytes()
	if err := a.send(a.registry, registryReqBind, payload); err != nil {
		return fmt.Errorf("bind %s: %w", g.iface, err)
	}
	return nil
}

// roundtrip issues a sync and dispatches events until its callback fires.
func (a *Adapter) roundtrip(handler func(message) error) error {
	callback := a.alloc()
	if err := a.send(1, displayReqSync, (&args{}).uint32(callback).bytes()); err != nil {
		return err
	}
	for {
		msg, err := a.conn.readMessage()
		if err != nil {
			return err
		}
		if msg.object == callback && msg.opcode == callbackEvtDone {
			return nil
		}
		if err := a.dispatchDisplay(msg); err != nil {
			return err
		}
		if handler != nil {
			if err := handler(msg); err != nil {
				return err
			}
		}
	}
}

// Run pumps compositor events, drain-worker results and assert commands
// until the context is cancelled or the assert queue closes.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.observed.Close()
	defer a.conn.Close()

	go a.pumpEvents()

	a.logger.Info("wayland adapter running")

	for {
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
		case obs := <-a.results:
			a.observed.Push(obs)
		case msg, ok := <-a.events:
			if !ok {
				return ErrClosed
			}
			if err := a.dispatch(msg); err != nil {
				return err
			}
		}
	}
}

func (a *Adapter) pumpEvents() {
	for {
		msg, err := a.conn.readMessage()
		if err != nil {
			close(a.events)
			return
		}
		a.events <- msg
	}
}

// dispatchDisplay handles wl_display events; a protocol error is fatal.
func (a *Adapter) dispatchDisplay(msg message) error {
	if msg.object != 1 {
		return nil
	}
	switch msg.opcode {
	case displayEvtError:
		d := decoder{buf: msg.payload}
		object, _ := d.uint32()
		code, _ := d.uint32()
		text, _ := d.str()
		return fmt.Errorf("wayland: protocol error on object %d code %d: %s", object, code, text)
	case displayEvtDeleteID:
		// Object IDs are not recycled; nothing to clean up.
	}
	return nil
}

func (a *Adapter) dispatch(msg message) error {
	if msg.object == 1 {
		return a.dispatchDisplay(msg)
	}

	switch msg.object {
	case a.dcDevice:
		return a.dispatchDevice(msg, false)
	case a.psDevice:
		if a.psDevice != 0 {
			return a.dispatchDevice(msg, true)
		}
	}

	if kind, ok := a.sources[msg.object]; ok {
		a.dispatchSource(msg, kind)
		return nil
	}
	if offer, ok := a.offers[msg.object]; ok {
		if msg.opcode == offerEvtOffer {
			d := decoder{buf: msg.payload}
			if mime, err := d.str(); err == nil {
				offer.mimes = append(offer.mimes, mime)
			}
		}
	}
	return nil
}

func (a *Adapter) dispatchDevice(msg message, viaPS bool) error {
	d := decoder{buf: msg.payload}
	if viaPS {
		switch msg.opcode {
		case psDeviceEvtDataOffer:
			if id, err := d.uint32(); err == nil {
				a.offers[id] = &remoteOffer{}
			}
		case psDeviceEvtSelection:
			if id, err := d.uint32(); err == nil {
				a.handleSelection(types.SelectionPrimary, id)
			}
		}
		return nil
	}

	switch msg.opcode {
	case dcDeviceEvtDataOffer:
		if id, err := d.uint32(); err == nil {
			a.offers[id] = &remoteOffer{}
		}
	case dcDeviceEvtSelection:
		if id, err := d.uint32(); err == nil {
			a.handleSelection(types.SelectionClipboard, id)
		}
	case dcDeviceEvtPrimarySelection:
		if id, err := d.uint32(); err == nil {
			if a.psManager != 0 {
				// Primary is handled by the fallback device.
				delete(a.offers, id)
				a.sendOfferDestroy(id)
				return nil
			}
			a.handleSelection(types.SelectionPrimary, id)
		}
	case dcDeviceEvtFinished:
		a.logger.Warn("data-control device finished; selection events stop until restart")
	}
	return nil
}

// handleSelection reacts to a new remote offer (or a cleared selection).
func (a *Adapter) handleSelection(kind types.SelectionKind, offerID uint32) {
	if offerID == 0 {
		if kind == types.SelectionPrimary && !a.syncPrimary {
			return
		}
		a.observed.Push(types.Observation{Kind: kind, Content: types.Empty})
		return
	}
	offer, ok := a.offers[offerID]
	if !ok {
		offer = &remoteOffer{}
	}
	delete(a.offers, offerID)

	if kind == types.SelectionPrimary && !a.syncPrimary {
		// Primary observation is suppressed by configuration; primary
		// changes on every drag-select and would saturate the bridge.
		a.logger.Debug("primary selection change ignored (sync_primary disabled)")
		a.sendOfferDestroy(offerID)
		return
	}

	a.logger.Debug("new remote offer",
		zap.String("kind", kind.String()),
		zap.Strings("advertised", offer.mimes))

	go a.drainOffer(kind, offerID)
}

func (a *Adapter) dispatchSource(msg message, kind types.SelectionKind) {
	switch msg.opcode {
	case sourceEvtSend:
		d := decoder{buf: msg.payload}
		mime, err := d.str()
		if err != nil {
			return
		}
		fd, ok := a.conn.popFd()
		if !ok {
			a.logger.Warn("send event without file descriptor", zap.String("mime", mime))
			return
		}
		a.serveSend(kind, mime, fd)
	case sourceEvtCancelled:
		a.handleCancelled(msg.object, kind)
	}
}

// handleCancelled destroys a source the compositor is done with. Losing
// the current source is expected ownership churn, not an error.
func (a *Adapter) handleCancelled(sourceID uint32, kind types.SelectionKind) {
	a.destroySource(sourceID)
	if a.current[kind] == sourceID {
		a.current[kind] = 0
		delete(a.snapshots, kind)
		a.logger.Debug("lost wayland selection ownership", zap.String("kind", kind.String()))
	}
}

// serveSend writes the snapshot payload for one MIME to the requestor's
// pipe. The write runs in its own goroutine so a slow reader cannot stall
// the event loop; partial writes are logged, not retried.
func (a *Adapter) serveSend(kind types.SelectionKind, mime string, fd int) {
	snapshot := a.snapshots[kind]

	var payload []byte
	if text, ok := snapshot.Text(); ok {
		if types.IsTextMIME(mime) {
			payload = []byte(text)
		}
	} else if data, ok := snapshot.MIME(mime); ok {
		payload = append([]byte(nil), data...)
	}

	logger := a.logger
	go func() {
		f := os.NewFile(uintptr(fd), "selection-send")
		defer f.Close()
		if len(payload) == 0 {
			return
		}
		n, err := f.Write(payload)
		if err != nil || n < len(payload) {
			logger.Debug("partial selection send",
				zap.String("mime", mime), zap.Int("wrote", n),
				zap.Int("want", len(payload)), zap.Error(err))
		}
	}()
}

// drainOffer pulls every probed MIME from a remote offer through a pipe
// and reports the resulting observation. Runs on its own goroutine.
func (a *Adapter) drainOffer(kind types.SelectionKind, offerID uint32) {
	defer a.sendOfferDestroy(offerID)

	collected := make(map[string][]byte)
	for _, mime := range append(append([]string(nil), probeMIMEs...), a.cfg.ExtraMIMEs...) {
		data, err := a.receiveMIME(offerID, mime)
		if err != nil {
			a.logger.Debug("offer receive failed",
				zap.String("mime", mime), zap.Error(err))
			continue
		}
		if len(data) > 0 {
			collected[mime] = data
		}
	}

	content, ok := resolveObservation(collected)
	if !ok {
		return
	}
	a.results <- types.Observation{Kind: kind, Content: content}
}

// receiveMIME performs one receive round-trip: create a pipe, hand the
// write end to the compositor, then read our end to EOF under a deadline.
func (a *Adapter) receiveMIME(offerID uint32, mime string) ([]byte, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	err = a.send(offerID, offerReqReceive, (&args{}).str(mime).bytes(), int(w.Fd()))
	// Our copy of the write end closes regardless, so EOF arrives once the
	// source (or the failed request) is done with it.
	_ = w.Close()
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	defer r.Close()

	if err := r.SetReadDeadline(time.Now().Add(time.Duration(a.cfg.ReceiveTimeout))); err != nil {
		a.logger.Debug("pipe deadline unsupported", zap.Error(err))
	}

	var buf []byte
	chunk := make([]byte, 8192)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			if os.IsTimeout(err) {
				// The partial bytes are returned with the error;
				// drainOffer discards them and moves on.
				return buf, fmt.Errorf("read timed out after %s", a.cfg.ReceiveTimeout)
			}
			return buf, err
		}
	}
}

// resolveObservation turns a drained MIME map into the observation to
// publish: decodable text wins in preference order, any other bytes form a
// binary payload, nothing at all suppresses the observation.
func resolveObservation(collected map[string][]byte) (types.Content, bool) {
	for _, mime := range []string{"text/plain;charset=utf-8", "text/plain", "UTF8_STRING"} {
		if data, ok := collected[mime]; ok && utf8.Valid(data) {
			return types.NewText(string(data)), true
		}
	}
	// A configured extra MIME may also be textual.
	for _, mime := range sortedKeys(collected) {
		if types.IsTextMIME(mime) && utf8.Valid(collected[mime]) {
			return types.NewText(string(collected[mime])), true
		}
	}
	if content := types.NewBinary(collected); !content.IsEmpty() {
		return content, true
	}
	return types.Empty, false
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// applyAssert replaces the current source for a kind with a new one
// advertising the asserted content. The new source is installed before the
// previous one is destroyed so other clients never observe a moment
// without an owner.
func (a *Adapter) applyAssert(cmd types.Assertion) {
	kind := cmd.Kind
	previous := a.current[kind]

	if kind == types.SelectionPrimary && a.dcVersion < 2 && a.psManager == 0 {
		a.logger.Debug("primary selection unsupported by compositor, assert dropped")
		return
	}

	if cmd.Content.IsEmpty() {
		delete(a.snapshots, kind)
		a.current[kind] = 0
		if err := a.setSelection(kind, 0); err != nil {
			a.logger.Warn("clear wayland selection failed", zap.Error(err))
		}
		if previous != 0 {
			a.destroySource(previous)
		}
		a.logger.Debug("cleared wayland selection", zap.String("kind", kind.String()))
		return
	}

	var mimes []string
	if cmd.Content.IsText() {
		mimes = textOfferMIMEs
	} else {
		mimes = cmd.Content.MIMEs()
	}

	sourceID := a.alloc()
	if err := a.createSource(kind, sourceID); err != nil {
		a.logger.Warn("create wayland source failed", zap.Error(err))
		return
	}
	for _, mime := range mimes {
		if err := a.send(sourceID, sourceReqOffer, (&args{}).str(mime).bytes()); err != nil {
			a.logger.Warn("offer mime failed", zap.String("mime", mime), zap.Error(err))
			return
		}
	}

	a.snapshots[kind] = cmd.Content
	a.sources[sourceID] = kind
	a.current[kind] = sourceID

	if err := a.setSelection(kind, sourceID); err != nil {
		a.logger.Warn("set wayland selection failed", zap.Error(err))
		return
	}
	if previous != 0 {
		a.destroySource(previous)
	}
	a.logger.Debug("claimed wayland selection",
		zap.String("kind", kind.String()), zap.Strings("mimes", mimes))
}

func (a *Adapter) createSource(kind types.SelectionKind, id uint32) error {
	if kind == types.SelectionPrimary && a.psManager != 0 {
		return a.send(a.psManager, psManagerReqCreateSource, (&args{}).uint32(id).bytes())
	}
	return a.send(a.dcManager, dcManagerReqCreateSource, (&args{}).uint32(id).bytes())
}

func (a *Adapter) setSelection(kind types.SelectionKind, sourceID uint32) error {
	if kind == types.SelectionPrimary {
		if a.psManager != 0 {
			// The primary-selection protocol wants an input serial we
			// do not have; 0 is accepted by wlroots compositors.
			return a.send(a.psDevice, psDeviceReqSetSelection,
				(&args{}).uint32(sourceID).uint32(0).bytes())
		}
		return a.send(a.dcDevice, dcDeviceReqSetPrimarySelection,
			(&args{}).uint32(sourceID).bytes())
	}
	return a.send(a.dcDevice, dcDeviceReqSetSelection,
		(&args{}).uint32(sourceID).bytes())
}

func (a *Adapter) destroySource(sourceID uint32) {
	delete(a.sources, sourceID)
	if err := a.send(sourceID, sourceReqDestroy, nil); err != nil {
		a.logger.Debug("destroy source failed", zap.Error(err))
	}
}

// sendOfferDestroy issues the wire destroy for an offer. It touches no
// adapter state, so drain workers may call it too.
func (a *Adapter) sendOfferDestroy(offerID uint32) {
	if err := a.send(offerID, offerReqDestroy, nil); err != nil {
		a.logger.Debug("destroy offer failed", zap.Error(err))
	}
}

// release destroys live sources on shutdown, handing the selections back
// to the compositor.
func (a *Adapter) release() {
	for kind, sourceID := range a.current {
		if sourceID == 0 {
			continue
		}
		_ = a.setSelection(kind, 0)
		a.destroySource(sourceID)
	}
}
