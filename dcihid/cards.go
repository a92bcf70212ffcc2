package dcihid

// Known USBDII card ids. The access layer never interprets them, they
// only select the device model bits of every frame; the list is here
// so callers do not have to hardcode magic numbers.
const (
	CardUSB16PIO  = 0x01
	CardUSBLabKit = 0x02
	CardUSB16PR   = 0x03
	CardUSB8PR    = 0x06
	CardUSB4PR    = 0x07
	CardUSB8PI    = 0x08
	CardUSB8RO    = 0x09
	CardUSB16PI   = 0x0A
	CardUSB16RO   = 0x0B
	CardUSB32PI   = 0x0C
	CardUSB32RO   = 0x0D
)
