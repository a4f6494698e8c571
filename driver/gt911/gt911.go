// package gt911 implements a driver for the GT911 capacitive touch
// controller on an I2C bus.
package gt911

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// DefaultAddr is the controller's 7-bit bus address when the ADDR
// strap selects the low address.
const DefaultAddr = 0x5D

// Register addresses from the GT911 datasheet. All registers are
// addressed with a 16-bit big-endian prefix.
const (
	regProductID = 0x8140 // 4 ASCII bytes
	regVendorID  = 0x814A
	regXResL     = 0x8146
	regXResH     = 0x8147
	regYResL     = 0x8148
	regYResH     = 0x8149

	regStatus = 0x814E
	regPt1XL  = 0x8150
	regPt1XH  = 0x8151
	regPt1YL  = 0x8152
	regPt1YH  = 0x8153
)

// Status register bits.
const (
	statusReady  = 0x80 // new touch frame available
	statusPtMask = 0x0F // contact count
)

const productIDLen = 4

// Sample is one decoded touch poll. When Pressed is false X and Y hold
// the last reported contact position.
type Sample struct {
	X, Y    uint16
	Pressed bool
}

type Device struct {
	bus  i2c.Bus
	port i2c.BusCloser
	addr uint16

	initialized bool
	productID   [productIDLen]byte
	maxX, maxY  uint16

	// Last reported contact, retained across polls so a released
	// sample still carries a position.
	lastX, lastY uint16
}

var errNotInitialized = errors.New("gt911: not initialized")

// New connects to a GT911 at addr on the given bus. Init must be
// called before ReadTouch.
func New(bus i2c.Bus, addr uint16) *Device {
	return &Device{
		bus:  bus,
		addr: addr,
	}
}

// Open connects to the controller through the host I2C registry.
func Open(busName string) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gt911: %w", err)
	}
	b, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("gt911: %w", err)
	}
	d := New(b, DefaultAddr)
	d.port = b
	return d, nil
}

func (d *Device) Close() error {
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

// readReg reads len(buf) bytes starting at reg. The address phase and
// the data phase run in a single bus transaction.
func (d *Device) readReg(reg uint16, buf []byte) error {
	if len(buf) == 0 {
		return errors.New("gt911: empty read buffer")
	}
	addr := [2]byte{byte(reg >> 8), byte(reg)}
	if err := d.bus.Tx(d.addr, addr[:], buf); err != nil {
		return fmt.Errorf("gt911: read 0x%04x: %w", reg, err)
	}
	return nil
}

// maxWrite caps a register write payload; address framing brings the
// transaction to 32 bytes.
const maxWrite = 30

// writeReg writes data starting at reg in a single transaction.
func (d *Device) writeReg(reg uint16, data []byte) error {
	if len(data) == 0 {
		return errors.New("gt911: empty write buffer")
	}
	if len(data) > maxWrite {
		return fmt.Errorf("gt911: write of %d bytes exceeds %d", len(data), maxWrite)
	}
	buf := make([]byte, 2+len(data))
	buf[0] = byte(reg >> 8)
	buf[1] = byte(reg)
	copy(buf[2:], data)
	if err := d.bus.Tx(d.addr, buf, nil); err != nil {
		return fmt.Errorf("gt911: write 0x%04x: %w", reg, err)
	}
	return nil
}

// Init probes the controller and reads its identification and
// resolution registers. It is idempotent; after a first success it
// returns immediately without touching the bus. No state is committed
// unless every read succeeds.
func (d *Device) Init() error {
	if d.initialized {
		return nil
	}

	// Liveness probe; a controller that does not acknowledge its
	// product id register is fatal to bring-up.
	var b [1]byte
	if err := d.readReg(regProductID, b[:]); err != nil {
		return err
	}

	// Product id, 4 ASCII bytes ("911" followed by NUL on this part).
	for i := range d.productID {
		if err := d.readReg(regProductID+uint16(i), b[:]); err != nil {
			return err
		}
		d.productID[i] = b[0]
	}

	// Vendor id is read for diagnostics only; no value is validated.
	if err := d.readReg(regVendorID, b[:]); err != nil {
		return err
	}

	// Panel resolution, two little-endian 16-bit values read one byte
	// at a time, low byte first.
	if err := d.readReg(regXResL, b[:]); err != nil {
		return err
	}
	d.maxX = uint16(b[0])
	if err := d.readReg(regXResH, b[:]); err != nil {
		return err
	}
	d.maxX |= uint16(b[0]) << 8
	if err := d.readReg(regYResL, b[:]); err != nil {
		return err
	}
	d.maxY = uint16(b[0])
	if err := d.readReg(regYResH, b[:]); err != nil {
		return err
	}
	d.maxY |= uint16(b[0]) << 8

	d.initialized = true
	return nil
}

// ProductID reports the ASCII product identifier read at Init.
func (d *Device) ProductID() string {
	id := d.productID[:]
	for i, c := range id {
		if c == 0 {
			id = id[:i]
			break
		}
	}
	return string(id)
}

// Resolution reports the maximum coordinates read at Init.
func (d *Device) Resolution() (x, y uint16) {
	return d.maxX, d.maxY
}

// ReadTouch polls the controller for the current contact state. A
// single contact reports its coordinates with Pressed set; no contact
// and multi-touch (unsupported) report the retained last position
// released. The call fails without touching the bus if Init has not
// succeeded.
func (d *Device) ReadTouch() (Sample, error) {
	if !d.initialized {
		return Sample{}, errNotInitialized
	}

	var status [1]byte
	if err := d.readReg(regStatus, status[:]); err != nil {
		return Sample{}, err
	}
	count := status[0] & statusPtMask

	// Acknowledge the frame so the controller prepares the next one.
	// The count<6 clause also acknowledges partial or noisy reads that
	// never set the ready bit; without it the controller stalls on the
	// stale frame. The acknowledgment is best-effort: a failed write
	// surfaces as a stale frame on the next poll, not as an error here.
	if status[0]&statusReady != 0 || count < 6 {
		ack := [1]byte{0x00}
		_ = d.writeReg(regStatus, ack[:])
	}

	if count == 1 {
		var b [1]byte
		if err := d.readReg(regPt1XL, b[:]); err != nil {
			return Sample{}, err
		}
		x := uint16(b[0])
		if err := d.readReg(regPt1XH, b[:]); err != nil {
			return Sample{}, err
		}
		x |= uint16(b[0]) << 8
		if err := d.readReg(regPt1YL, b[:]); err != nil {
			return Sample{}, err
		}
		y := uint16(b[0])
		if err := d.readReg(regPt1YH, b[:]); err != nil {
			return Sample{}, err
		}
		y |= uint16(b[0]) << 8
		d.lastX, d.lastY = x, y
		return Sample{X: x, Y: y, Pressed: true}, nil
	}

	return Sample{X: d.lastX, Y: d.lastY}, nil
}
