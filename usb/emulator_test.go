package usb

import (
	"bytes"
	"net"
	"testing"

	"github.com/usbdii/dcihid-go/core"
	"github.com/usbdii/dcihid-go/memorywriter"
	"github.com/usbdii/dcihid-go/wire"
)

// emulatorTarget is a minimal in-process DCI card emulator: one UDP
// socket, one register store per card number, ping probing.
func emulatorTarget(t *testing.T) int {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	regs := make(map[byte]map[uint32]uint32)

	go func() {
		buf := make([]byte, 1024)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if bytes.Equal(buf[:n], emulatorPing) {
				_, _ = conn.WriteTo(emulatorPong, addr)
				continue
			}
			if n != wire.ReportSize {
				continue
			}

			req, err := wire.Decode(buf[:n], buf[0])
			if err != nil {
				continue
			}
			resp := &wire.Frame{
				Op:      wire.RespOp(req.Op),
				CardID:  req.CardID,
				CardNum: req.CardNum,
				Addr:    req.Addr,
			}
			store := regs[req.CardNum]
			if store == nil {
				store = make(map[uint32]uint32)
				regs[req.CardNum] = store
			}
			switch req.Op {
			case wire.OpWriteReq:
				store[req.Addr] = req.Data
			case wire.OpReadReq:
				resp.Data = store[req.Addr] & 0xFF
			default:
				continue
			}
			rbuf, err := resp.Encode()
			if err != nil {
				continue
			}
			_, _ = conn.WriteTo(rbuf, addr)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestUDPEnumerate(t *testing.T) {
	port := emulatorTarget(t)

	b, err := InitUDP([]int{port, port + 1})
	if err != nil {
		t.Fatal(err)
	}

	infos, err := b.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	// only the live port answers the ping probe
	if len(infos) != 1 {
		t.Fatalf("infos = %+v, want one live emulator", infos)
	}
	if !b.Has(infos[0].Path) {
		t.Errorf("Has(%q) = false", infos[0].Path)
	}
	if b.Has("hid0123") {
		t.Error("Has matched a foreign path")
	}
}

func TestUDPRegisterRoundTrip(t *testing.T) {
	port := emulatorTarget(t)

	b, err := InitUDP([]int{port})
	if err != nil {
		t.Fatal(err)
	}
	infos, err := b.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("no emulator found")
	}

	mw, err := memorywriter.New(100, 10, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := core.New(Init(b), mw)

	h, err := c.Open(infos[0].Path, 3, 0)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer c.Close(h)

	if err := c.WriteRegister(h, 0x10, 0xDEADBEEF); err != nil {
		t.Fatalf("WriteRegister: %s", err)
	}
	got, err := c.ReadRegister(h, 0x10)
	if err != nil {
		t.Fatalf("ReadRegister: %s", err)
	}
	if got != 0xEF {
		t.Errorf("ReadRegister = 0x%02x, want 0xEF", got)
	}
}
