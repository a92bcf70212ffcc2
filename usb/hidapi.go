package usb

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"github.com/karalabe/hid"

	"github.com/usbdii/dcihid-go/core"
)

const (
	hidapiPrefix = "hid"
	hidIfaceNum  = 0
	hidUsagePage = 0xFF00

	// USBDII DCI adapters all share one vendor id; the card model is
	// not distinguished on the USB level, it travels in every frame.
	vendorUSBDII = 0x0DC1
)

// HIDAPI enumerates and opens USBDII DCI adapters through the
// platform hidapi library.
type HIDAPI struct {
	log Logger
}

// Logger is the subset of memorywriter used by transport backends.
type Logger interface {
	Log(s string)
}

func InitHIDAPI(log Logger) (*HIDAPI, error) {
	if !hid.Supported() {
		return nil, errors.New("hidapi not supported on this platform")
	}
	return &HIDAPI{log: log}, nil
}

func (b *HIDAPI) Enumerate() ([]core.DeviceInfo, error) {
	devs, err := hid.Enumerate(vendorUSBDII, 0)
	if err != nil {
		return nil, err
	}

	var infos []core.DeviceInfo
	for _, dev := range devs {
		if b.match(&dev) {
			infos = append(infos, core.DeviceInfo{
				Path:      b.identify(&dev),
				VendorID:  int(dev.VendorID),
				ProductID: int(dev.ProductID),
			})
		}
	}
	return infos, nil
}

func (b *HIDAPI) Has(path string) bool {
	return strings.HasPrefix(path, hidapiPrefix)
}

func (b *HIDAPI) Connect(path string) (core.Device, error) {
	devs, err := hid.Enumerate(vendorUSBDII, 0)
	if err != nil {
		return nil, err
	}

	for _, dev := range devs {
		if b.match(&dev) && b.identify(&dev) == path {
			b.log.Log("hidapi - opening " + path)
			d, err := dev.Open()
			if err != nil {
				return nil, err
			}
			return &HID{dev: d}, nil
		}
	}
	return nil, ErrNotFound
}

// Windows and macOS match on usage page, Linux on the interface number.
func (b *HIDAPI) match(d *hid.DeviceInfo) bool {
	return d.VendorID == vendorUSBDII &&
		(d.Interface == hidIfaceNum || d.UsagePage == hidUsagePage)
}

// identify hashes the platform path, which may contain characters
// that do not survive URLs, into a stable opaque device path.
func (b *HIDAPI) identify(dev *hid.DeviceInfo) string {
	path := []byte(dev.Path)
	digest := sha256.Sum256(path)
	return hidapiPrefix + hex.EncodeToString(digest[:])
}

type HID struct {
	dev io.ReadWriteCloser
}

func (d *HID) Close(disconnected bool) error {
	return d.dev.Close()
}

func (d *HID) Write(buf []byte) (int, error) {
	return d.dev.Write(buf)
}

func (d *HID) Read(buf []byte) (int, error) {
	return d.dev.Read(buf)
}
