package usb

import (
	"bytes"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/usbdii/dcihid-go/core"
)

// The emulator backend talks to a simulated DCI target over UDP, one
// datagram per HID report. It exists so the daemon and clients can be
// exercised without a physical card.

const (
	emulatorPrefix  = "emulator"
	emulatorNetwork = "udp"
	emulatorHost    = "127.0.0.1"

	emulatorProbeTimeout = 500 * time.Millisecond
)

var (
	emulatorPing = []byte("DCIPING?")
	emulatorPong = []byte("DCIPONG!")
)

type UDP struct {
	ports []int
}

func InitUDP(ports []int) (*UDP, error) {
	return &UDP{ports: ports}, nil
}

func (b *UDP) Enumerate() ([]core.DeviceInfo, error) {
	var infos []core.DeviceInfo

	for _, port := range b.ports {
		if b.hasEmulator(port) {
			infos = append(infos, core.DeviceInfo{
				Path:      emulatorPrefix + strconv.Itoa(port),
				VendorID:  0,
				ProductID: 0,
			})
		}
	}
	return infos, nil
}

func (b *UDP) Has(path string) bool {
	if !strings.HasPrefix(path, emulatorPrefix) {
		return false
	}
	port, err := strconv.Atoi(strings.TrimPrefix(path, emulatorPrefix))
	if err != nil {
		return false
	}
	for _, p := range b.ports {
		if p == port {
			return true
		}
	}
	return false
}

// hasEmulator probes the port with a ping datagram; a target that
// does not answer in time is treated as absent.
func (b *UDP) hasEmulator(port int) bool {
	dev, err := b.connect(port)
	if err != nil {
		return false
	}
	defer dev.conn.Close()

	if _, err = dev.Write(emulatorPing); err != nil {
		return false
	}

	response := make([]byte, len(emulatorPong))
	if err = dev.conn.SetReadDeadline(time.Now().Add(emulatorProbeTimeout)); err != nil {
		return false
	}
	if _, err = dev.Read(response); err != nil {
		return false
	}
	if errDeadline := dev.conn.SetReadDeadline(time.Time{}); errDeadline != nil {
		return false
	}

	return bytes.Equal(response, emulatorPong)
}

func (b *UDP) Connect(path string) (core.Device, error) {
	if !b.Has(path) {
		return nil, ErrNotFound
	}
	port, err := strconv.Atoi(strings.TrimPrefix(path, emulatorPrefix))
	if err != nil {
		return nil, ErrNotFound
	}
	return b.connect(port)
}

func (b *UDP) connect(port int) (*UDPDevice, error) {
	conn, err := net.Dial(emulatorNetwork, net.JoinHostPort(emulatorHost, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return &UDPDevice{conn: conn}, nil
}

type UDPDevice struct {
	conn net.Conn
}

func (d *UDPDevice) Close(disconnected bool) error {
	return d.conn.Close()
}

func (d *UDPDevice) Write(buf []byte) (int, error) {
	return d.conn.Write(buf)
}

func (d *UDPDevice) Read(buf []byte) (int, error) {
	return d.conn.Read(buf)
}
