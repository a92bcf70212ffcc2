package usb

import (
	"fmt"

	"github.com/usbdii/dcihid-go/core"
)

var ErrNotFound = fmt.Errorf("device not found")

// USB multiplexes several transport backends behind the core.Bus
// interface, dispatching by path prefix.
type USB struct {
	buses []core.Bus
}

func Init(buses ...core.Bus) *USB {
	return &USB{
		buses: buses,
	}
}

func (b *USB) Has(path string) bool {
	for _, b := range b.buses {
		if b.Has(path) {
			return true
		}
	}
	return false
}

func (b *USB) Enumerate() ([]core.DeviceInfo, error) {
	var infos []core.DeviceInfo

	for _, b := range b.buses {
		l, err := b.Enumerate()
		if err != nil {
			return nil, err
		}
		infos = append(infos, l...)
	}
	return infos, nil
}

func (b *USB) Connect(path string) (core.Device, error) {
	for _, b := range b.buses {
		if b.Has(path) {
			return b.Connect(path)
		}
	}
	return nil, ErrNotFound
}
