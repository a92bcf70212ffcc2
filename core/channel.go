package core

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/usbdii/dcihid-go/wire"
)

// One channel per physical device path. A USB endpoint is a single
// serial pipe, so every frame exchange on a path must hold the channel
// mutex, no matter how many logical sessions (card numbers) share it.

var (
	ErrTimeout      = errors.New("transport timeout")
	ErrShortWrite   = errors.New("short report write")
	ErrShortRead    = errors.New("short report read")
	ErrDisconnected = errors.New("device disconnected")
	ErrDeviceGone   = errors.New("device disconnected, session dead")
)

const defaultExchangeTimeout = 3 * time.Second

type ioResult struct {
	buf []byte
	n   int
	err error
}

type channel struct {
	path    string
	dev     Device
	timeout time.Duration
	reports chan ioResult // fed by the reader goroutine

	mu   sync.Mutex
	refs int // sessions bound to this path, guarded by Core.sessionsMutex
	dead bool
}

func newChannel(path string, dev Device) *channel {
	ch := &channel{
		path:    path,
		dev:     dev,
		timeout: defaultExchangeTimeout,
		reports: make(chan ioResult, 4),
	}
	go ch.reader()
	return ch
}

// reader owns the receive side of the device. It exits on the first
// read error, which is also how closing the device tears it down.
func (ch *channel) reader() {
	for {
		buf := make([]byte, wire.ReportSize)
		n, err := ch.dev.Read(buf)
		ch.reports <- ioResult{buf: buf, n: n, err: err}
		if err != nil {
			return
		}
	}
}

// exchange performs one complete request/response round trip. HID
// report pairs are not self-framing, so the channel mutex stays held
// for the whole transaction; concurrent callers queue here.
func (ch *channel) exchange(req []byte) ([]byte, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.dead {
		return nil, ErrDeviceGone
	}

	// Drop replies that belong to an earlier timed-out exchange.
	for {
		stale := false
		select {
		case res := <-ch.reports:
			if res.err != nil {
				ch.dead = true
				return nil, ErrDisconnected
			}
			stale = true
		default:
		}
		if !stale {
			break
		}
	}

	n, err := ch.dev.Write(req)
	if err != nil {
		ch.dead = true
		return nil, ErrDisconnected
	}
	if n != len(req) {
		return nil, ErrShortWrite
	}

	deadline := time.After(ch.timeout)
	for {
		select {
		case res := <-ch.reports:
			if res.err != nil {
				ch.dead = true
				return nil, ErrDisconnected
			}
			if res.n != wire.ReportSize {
				return nil, ErrShortRead
			}
			if !responseMatches(req, res.buf) {
				// late reply of a timed-out exchange, skip it
				continue
			}
			return res.buf, nil
		case <-deadline:
			// Timeout is not fatal; the session stays usable and a
			// late reply is discarded above on the next exchange.
			return nil, ErrTimeout
		}
	}
}

// responseMatches pairs a response report with its request: the
// response opcode must be the request's and the card/address header
// bytes are echoed verbatim by the target.
func responseMatches(req, resp []byte) bool {
	if len(req) != wire.ReportSize || len(resp) != wire.ReportSize {
		return false
	}
	return resp[0] == wire.RespOp(req[0]) && bytes.Equal(resp[1:7], req[1:7])
}

func (ch *channel) alive() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return !ch.dead
}

func (ch *channel) close(disconnected bool) error {
	ch.mu.Lock()
	ch.dead = true
	ch.mu.Unlock()
	return ch.dev.Close(disconnected)
}
