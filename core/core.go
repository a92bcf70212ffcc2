package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/usbdii/dcihid-go/memorywriter"
	"github.com/usbdii/dcihid-go/wire"
)

// Package with the core logic of the DCI access layer: the session
// registry (handle table), the register access engine and enumeration.
//
// The usb package is not imported here - transport backends can need
// cgo and take long to build, so core stays on abstract interfaces and
// can be built and tested on its own.

// Bus and Device are implemented in the usb package.

type Bus interface {
	Enumerate() ([]DeviceInfo, error)
	Connect(path string) (Device, error)
	Has(path string) bool
}

type Device interface {
	io.ReadWriter
	Close(disconnected bool) error
}

type DeviceInfo struct {
	Path      string
	VendorID  int
	ProductID int
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrUnreachablePath = errors.New("device path unreachable")
)

// session binds one handle to one logical card target. Identity
// fields never change after Open; only the registry entry and the
// shared channel carry mutable state.
type session struct {
	handle  uint32
	path    string
	cardID  byte
	cardNum byte
	ch      *channel
}

type SessionInfo struct {
	Handle  uint32 `json:"handle"`
	CardID  byte   `json:"cardId"`
	CardNum byte   `json:"cardNum"`
}

type EnumerateEntry struct {
	Path     string        `json:"path"`
	Vendor   int           `json:"vendor"`
	Product  int           `json:"product"`
	Sessions []SessionInfo `json:"sessions"`
}

type EnumerateEntries []EnumerateEntry

func (entries EnumerateEntries) Sort() {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
}

type Core struct {
	bus Bus

	sessions      map[uint32]*session
	channels      map[string]*channel // one per open physical path
	lastHandle    uint32
	sessionsMutex sync.Mutex // for atomic access to sessions + channels

	callsInProgress int          // we cannot touch the bus and enumerate at the same time
	callMutex       sync.Mutex   // for atomic access to callsInProgress
	lastInfos       []DeviceInfo // when a call is in progress, use saved info for enumerating

	log *memorywriter.MemoryWriter
}

func New(bus Bus, log *memorywriter.MemoryWriter) *Core {
	return &Core{
		bus:      bus,
		sessions: make(map[uint32]*session),
		channels: make(map[string]*channel),
		log:      log,
	}
}

func (c *Core) Log(s string) {
	c.log.Log("core - " + s)
}

// Open establishes a session to one card behind path. The handle is
// nonzero, unique among live handles and never reused while any other
// handle is live. Nothing is registered when open fails.
func (c *Core) Open(path string, cardID, cardNum uint) (uint32, error) {
	c.Log(fmt.Sprintf("open - path %s card %d/%d", path, cardID, cardNum))

	if err := wire.ValidateCard(cardID, cardNum); err != nil {
		return 0, err
	}

	c.Log("open - locking sessionsMutex")
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()

	ch := c.channels[path]
	if ch != nil && !ch.alive() {
		// Sessions of an unplugged device can still hold the dead
		// channel until they are closed; a new open gets a fresh
		// connection.
		ch = nil
	}
	if ch == nil {
		dev, err := c.tryConnect(path)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrUnreachablePath, err)
		}
		ch = newChannel(path, dev)
		c.channels[path] = ch
	}
	ch.refs++

	handle := c.nextHandle()
	c.sessions[handle] = &session{
		handle:  handle,
		path:    path,
		cardID:  byte(cardID),
		cardNum: byte(cardNum),
		ch:      ch,
	}

	c.Log(fmt.Sprintf("open - new handle is %d", handle))
	return handle, nil
}

// Some platforms briefly refuse to open a HID device right after it
// appears. Try 3 times with a 100ms delay.
func (c *Core) tryConnect(path string) (Device, error) {
	tries := 0
	for {
		c.Log(fmt.Sprintf("tryConnect - try number %d", tries))
		dev, err := c.bus.Connect(path)
		if err == nil {
			return dev, nil
		}
		if tries >= 3 {
			c.Log("tryConnect - too many times, exiting")
			return nil, err
		}
		tries++
		time.Sleep(100 * time.Millisecond)
	}
}

// nextHandle issues from a monotonically increasing counter rather
// than reusing small integers, so a stale handle held across a
// close/open pair can never alias a new session. Zero stays reserved.
func (c *Core) nextHandle() uint32 {
	for {
		c.lastHandle++
		if c.lastHandle == 0 {
			continue
		}
		if _, taken := c.sessions[c.lastHandle]; !taken {
			return c.lastHandle
		}
	}
}

func (c *Core) Close(handle uint32) error {
	return c.close(handle, false)
}

func (c *Core) close(handle uint32, disconnected bool) error {
	c.Log(fmt.Sprintf("close - handle %d", handle))
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()
	return c.closeLocked(handle, disconnected)
}

func (c *Core) closeLocked(handle uint32, disconnected bool) error {
	ss := c.sessions[handle]
	if ss == nil {
		c.Log("close - session not found")
		return ErrSessionNotFound
	}
	delete(c.sessions, handle)

	ss.ch.refs--
	if ss.ch.refs > 0 {
		return nil
	}
	if c.channels[ss.path] == ss.ch {
		delete(c.channels, ss.path)
	}
	c.Log("close - last session on path, closing transport")
	return ss.ch.close(disconnected)
}

func (c *Core) lookup(handle uint32) *session {
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()
	return c.sessions[handle]
}

// WriteRegister delivers one 32-bit word to a target register as a
// single frame and waits for the acknowledgement.
func (c *Core) WriteRegister(handle uint32, addr uint32, data uint32) error {
	c.Log(fmt.Sprintf("write - handle %d addr 0x%08x", handle, addr))
	_, err := c.transact(handle, wire.OpWriteReq, addr, data)
	return err
}

// ReadRegister fetches one byte from a target register. The DCI read
// primitive is byte-granular; see the wire package.
func (c *Core) ReadRegister(handle uint32, addr uint32) (byte, error) {
	c.Log(fmt.Sprintf("read - handle %d addr 0x%08x", handle, addr))
	resp, err := c.transact(handle, wire.OpReadReq, addr, 0)
	if err != nil {
		return 0, err
	}
	return byte(resp.Data), nil
}

// transact runs one complete round trip: lookup, encode, exchange,
// decode, acknowledgement check. Errors keep their class (invalid
// handle / transport / protocol) so callers can pick a retry policy.
func (c *Core) transact(handle uint32, op byte, addr uint32, data uint32) (*wire.Frame, error) {
	c.callMutex.Lock()
	c.callsInProgress++
	c.callMutex.Unlock()

	defer func() {
		c.callMutex.Lock()
		c.callsInProgress--
		c.callMutex.Unlock()
	}()

	ss := c.lookup(handle)
	if ss == nil {
		return nil, ErrSessionNotFound
	}

	req := &wire.Frame{
		Op:      op,
		CardID:  ss.cardID,
		CardNum: ss.cardNum,
		Addr:    addr,
		Data:    data,
	}
	reqBuf, err := req.Encode()
	if err != nil {
		return nil, err
	}

	respBuf, err := ss.ch.exchange(reqBuf)
	if err != nil {
		return nil, err
	}

	resp, err := wire.Decode(respBuf, wire.RespOp(op))
	if err != nil {
		return nil, err
	}
	if err := resp.Ack(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Core) Enumerate() ([]EnumerateEntry, error) {
	// Lock for atomic access to c.sessions.
	c.Log("enumerate locking sessionsMutex")
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()

	// Lock for atomic access to c.callsInProgress. It needs to be
	// over the whole function, so that a call does not actually start
	// while enumerating.
	c.Log("enumerate locking callMutex")
	c.callMutex.Lock()
	defer c.callMutex.Unlock()

	// Use saved info if a call is in progress, otherwise enumerate.
	infos := c.lastInfos

	c.Log(fmt.Sprintf("enumerate callsInProgress %d", c.callsInProgress))
	if c.callsInProgress == 0 {
		c.Log("enumerate bus")
		busInfos, err := c.bus.Enumerate()
		if err != nil {
			return nil, err
		}
		infos = busInfos
		c.lastInfos = infos
	}

	entries := c.createEnumerateEntries(infos)
	c.Log("enumerate release disconnected")
	c.releaseDisconnected(infos)
	return entries, nil
}

func (c *Core) createEnumerateEntries(infos []DeviceInfo) EnumerateEntries {
	entries := make(EnumerateEntries, 0, len(infos))
	for _, info := range infos {
		e := EnumerateEntry{
			Path:     info.Path,
			Vendor:   info.VendorID,
			Product:  info.ProductID,
			Sessions: make([]SessionInfo, 0),
		}
		for _, ss := range c.sessions {
			if ss.path == info.Path {
				e.Sessions = append(e.Sessions, SessionInfo{
					Handle:  ss.handle,
					CardID:  ss.cardID,
					CardNum: ss.cardNum,
				})
			}
		}
		sort.Slice(e.Sessions, func(i, j int) bool {
			return e.Sessions[i].Handle < e.Sessions[j].Handle
		})
		entries = append(entries, e)
	}
	entries.Sort()
	return entries
}

// releaseDisconnected drops sessions whose device vanished from the
// bus, so unplugging a card does not leak handles or transports.
func (c *Core) releaseDisconnected(infos []DeviceInfo) {
	for handle, ss := range c.sessions {
		connected := false
		for _, info := range infos {
			if ss.path == info.Path {
				connected = true
			}
		}
		if !connected {
			c.Log(fmt.Sprintf("releasing disconnected handle %d", handle))
			err := c.closeLocked(handle, true)
			// just log if there is an error
			// they are disconnected anyway
			if err != nil {
				c.Log(fmt.Sprintf("Error on releasing disconnected device: %s", err))
			}
		}
	}
}

// Listen blocks until the device list differs from entries, the
// timeout elapses or ctx is done.
func (c *Core) Listen(entries []EnumerateEntry, ctx context.Context) ([]EnumerateEntry, error) {
	c.Log("listen starting")

	const (
		iterMax   = 600
		iterDelay = 500 // ms
	)

	EnumerateEntries(entries).Sort()

	for i := 0; i < iterMax; i++ {
		e, enumErr := c.Enumerate()
		if enumErr != nil {
			return nil, enumErr
		}
		if reflect.DeepEqual(entries, e) {
			select {
			case <-ctx.Done():
				c.Log("listen request closed")
				return nil, nil
			case <-time.After(iterDelay * time.Millisecond):
			}
		} else {
			c.Log("listen different")
			entries = e
			break
		}
	}
	c.Log("listen exiting")
	return entries, nil
}

// Error classes, used by the dcihid return-code surface and the HTTP
// API to keep invalid-handle, transport and protocol failures apart.

// IsInvalidHandle also covers sessions whose transport died: a dead
// session behaves like a closed one until it is explicitly closed.
func IsInvalidHandle(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrDeviceGone)
}

func IsTransportFailure(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrShortWrite) ||
		errors.Is(err, ErrShortRead) ||
		errors.Is(err, ErrDisconnected) ||
		errors.Is(err, ErrUnreachablePath)
}

func IsProtocolFailure(err error) bool {
	var se wire.StatusError
	return errors.Is(err, wire.ErrMalformed) ||
		errors.Is(err, wire.ErrOpcodeMismatch) ||
		errors.As(err, &se)
}

func IsInvalidArgument(err error) bool {
	return errors.Is(err, wire.ErrCardRange)
}
