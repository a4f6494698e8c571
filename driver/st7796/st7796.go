// package st7796 implements a driver for SPI-attached ST7796 TFT panels.
package st7796

import (
	"fmt"
	"image"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Panel dimensions in the portrait orientation.
const (
	Width  = 320
	Height = 480
)

// Orientation selects one of the four panel rotations.
type Orientation uint8

const (
	Portrait Orientation = iota
	Landscape
	PortraitInverted
	LandscapeInverted
)

// madctl holds the MADCTL register value for each orientation. The
// values are fixed constants from the panel vendor, not computed from
// the MY/MX/MV bits, to keep the row-column transposes exact.
var madctl = [4]byte{
	Portrait:          0x48, // MX, BGR
	Landscape:         0x28, // MV, BGR
	PortraitInverted:  0x88, // MY, BGR
	LandscapeInverted: 0xE8, // MY, MX, MV, BGR
}

type Device struct {
	conn spi.Conn
	port spi.PortCloser
	dc   gpio.PinOut
	cs   gpio.PinOut
	rst  gpio.PinOut

	orientation Orientation
	txBuf       []byte

	// sleep stands in for time.Sleep so tests can run the
	// initialization sequence without its settle delays.
	sleep func(time.Duration)
}

type Opts struct {
	// Orientation applied at the end of Configure.
	Orientation Orientation
	// Speed is the SPI clock. Defaults to 62.5MHz, the maximum write
	// cycle the panel supports.
	Speed physic.Frequency

	// Pin names resolved by Open. Ignored by New.
	DC, CS, RST string
}

// DefaultOpts is the configuration used when Opts is nil.
var DefaultOpts = Opts{
	Orientation: Portrait,
	Speed:       62500 * physic.KiloHertz,
	DC:          "GPIO25",
	CS:          "GPIO8",
	RST:         "GPIO27",
}

// New connects to an ST7796 on the given SPI port. The control pins
// must be configured as outputs by Configure before any other call.
func New(p spi.Port, dc, cs, rst gpio.PinOut, opts *Opts) (*Device, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	speed := opts.Speed
	if speed == 0 {
		speed = DefaultOpts.Speed
	}
	c, err := p.Connect(speed, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("st7796: %w", err)
	}
	maxTx := 4096
	if lim, ok := c.(conn.Limits); ok {
		if n := lim.MaxTxSize(); n > 0 {
			maxTx = n
		}
	}
	return &Device{
		conn:        c,
		dc:          dc,
		cs:          cs,
		rst:         rst,
		orientation: opts.Orientation,
		txBuf:       make([]byte, maxTx),
		sleep:       time.Sleep,
	}, nil
}

// Open connects to the panel through the host SPI and GPIO registries.
func Open(opts *Opts) (*Device, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("st7796: %w", err)
	}
	p, err := spireg.Open("")
	if err != nil {
		return nil, fmt.Errorf("st7796: %w", err)
	}
	var pins [3]gpio.PinIO
	for i, name := range []string{opts.DC, opts.CS, opts.RST} {
		pin := gpioreg.ByName(name)
		if pin == nil {
			p.Close()
			return nil, fmt.Errorf("st7796: no pin %q", name)
		}
		pins[i] = pin
	}
	d, err := New(p, pins[0], pins[1], pins[2], opts)
	if err != nil {
		p.Close()
		return nil, err
	}
	d.port = p
	return d, nil
}

func (d *Device) Close() error {
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	d.conn = nil
	return err
}

// Settle time around control line transitions; the bus is undefined
// outside this window.
const settle = time.Microsecond

// writeCmd sends a single command byte with the DC line low.
func (d *Device) writeCmd(cmd byte) error {
	if err := d.cs.Out(gpio.Low); err != nil {
		return fmt.Errorf("st7796: %w", err)
	}
	if err := d.dc.Out(gpio.Low); err != nil {
		return fmt.Errorf("st7796: %w", err)
	}
	d.sleep(settle)
	err := d.conn.Tx([]byte{cmd}, nil)
	d.sleep(settle)
	if cerr := d.cs.Out(gpio.High); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("st7796: command 0x%02x: %w", cmd, err)
	}
	return nil
}

// writeData sends payload bytes with the DC line high, holding CS for
// the duration of the burst. Payloads larger than the port's transmit
// limit are split without releasing CS.
func (d *Device) writeData(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := d.cs.Out(gpio.Low); err != nil {
		return fmt.Errorf("st7796: %w", err)
	}
	if err := d.dc.Out(gpio.High); err != nil {
		return fmt.Errorf("st7796: %w", err)
	}
	d.sleep(settle)
	var err error
	for len(data) > 0 && err == nil {
		n := len(data)
		if n > len(d.txBuf) {
			n = len(d.txBuf)
		}
		err = d.conn.Tx(data[:n], nil)
		data = data[n:]
	}
	d.sleep(settle)
	if cerr := d.cs.Out(gpio.High); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("st7796: data: %w", err)
	}
	return nil
}

// initCmd is one entry of the vendor bring-up script.
type initCmd struct {
	cmd   byte
	data  []byte
	delay bool
}

// initScript is the factory-recommended bring-up sequence from the
// panel vendor, replayed verbatim by Configure.
var initScript = []initCmd{
	{cmd: 0xCF, data: []byte{0x00, 0x83, 0x30}},
	{cmd: 0xED, data: []byte{0x64, 0x03, 0x12, 0x81}},
	{cmd: 0xE8, data: []byte{0x85, 0x01, 0x79}},
	{cmd: 0xCB, data: []byte{0x39, 0x2C, 0x00, 0x34, 0x02}},
	{cmd: 0xF7, data: []byte{0x20}},
	{cmd: 0xEA, data: []byte{0x00, 0x00}},
	{cmd: PWCTR1, data: []byte{0x26}},
	{cmd: PWCTR2, data: []byte{0x11}},
	{cmd: VMCTR1, data: []byte{0x35, 0x3E}},
	{cmd: VMCTR2, data: []byte{0xBE}},
	{cmd: MADCTL, data: []byte{0x28}},
	{cmd: COLMOD, data: []byte{0x05}}, // RGB565
	{cmd: FRMCTR1, data: []byte{0x00, 0x1B}},
	{cmd: 0xF2, data: []byte{0x08}},
	{cmd: GAMMASET, data: []byte{0x01}},
	{cmd: GMCTRP1, data: []byte{
		0x1F, 0x1A, 0x18, 0x0A, 0x0F, 0x06, 0x45, 0x87,
		0x32, 0x0A, 0x07, 0x02, 0x07, 0x05, 0x00,
	}},
	{cmd: GMCTRN1, data: []byte{
		0x00, 0x25, 0x27, 0x05, 0x10, 0x09, 0x3A, 0x78,
		0x4D, 0x05, 0x18, 0x0D, 0x38, 0x3A, 0x1F,
	}},
	{cmd: CASET, data: []byte{0x00, 0x00, 0x00, 0xEF}},
	{cmd: RASET, data: []byte{0x00, 0x00, 0x01, 0x3F}},
	{cmd: RAMWR},
	{cmd: 0xB7, data: []byte{0x07}},
	{cmd: DFUNCTR, data: []byte{0x0A, 0x82, 0x27, 0x00}},
	{cmd: SLPOUT, delay: true},
	{cmd: DISPON, delay: true},
}

// Configure resets the panel and replays the vendor initialization
// script. It must be called once before any drawing command.
func (d *Device) Configure() error {
	for _, p := range []gpio.PinOut{d.cs, d.dc, d.rst} {
		if err := p.Out(gpio.High); err != nil {
			return fmt.Errorf("st7796: %w", err)
		}
	}

	// Hardware reset. The release-hold-release sequence and the 100ms
	// holds are fixed by the panel's electrical spec.
	if err := d.rst.Out(gpio.High); err != nil {
		return fmt.Errorf("st7796: %w", err)
	}
	d.sleep(100 * time.Millisecond)
	if err := d.rst.Out(gpio.Low); err != nil {
		return fmt.Errorf("st7796: %w", err)
	}
	d.sleep(100 * time.Millisecond)
	if err := d.rst.Out(gpio.High); err != nil {
		return fmt.Errorf("st7796: %w", err)
	}
	d.sleep(100 * time.Millisecond)

	for _, c := range initScript {
		if err := d.writeCmd(c.cmd); err != nil {
			return err
		}
		if err := d.writeData(c.data); err != nil {
			return err
		}
		if c.delay {
			d.sleep(100 * time.Millisecond)
		}
	}

	if err := d.SetOrientation(d.orientation); err != nil {
		return err
	}
	// The panel is assembled with an inverted color filter; INVON is
	// required for correct colors regardless of orientation.
	return d.writeCmd(INVON)
}

// SetOrientation writes the MADCTL register and records the new
// orientation.
func (d *Device) SetOrientation(o Orientation) error {
	if int(o) >= len(madctl) {
		return fmt.Errorf("st7796: invalid orientation %d", o)
	}
	if err := d.writeCmd(MADCTL); err != nil {
		return err
	}
	if err := d.writeData([]byte{madctl[o]}); err != nil {
		return err
	}
	d.orientation = o
	return nil
}

// Orientation reports the rotation last written to the panel.
func (d *Device) Orientation() Orientation {
	return d.orientation
}

// Size reports the panel dimensions under the current orientation.
func (d *Device) Size() image.Point {
	switch d.orientation {
	case Landscape, LandscapeInverted:
		return image.Pt(Height, Width)
	}
	return image.Pt(Width, Height)
}

// SetWindow declares the inclusive rectangle (x1,y1)-(x2,y2) as the
// target of the next WriteColor burst. The controller auto-increments
// its write pointer across the window in row-major order.
func (d *Device) SetWindow(x1, y1, x2, y2 int) error {
	if err := d.writeCmd(CASET); err != nil {
		return err
	}
	if err := d.writeData([]byte{byte(x1 >> 8), byte(x1), byte(x2 >> 8), byte(x2)}); err != nil {
		return err
	}
	if err := d.writeCmd(RASET); err != nil {
		return err
	}
	if err := d.writeData([]byte{byte(y1 >> 8), byte(y1), byte(y2 >> 8), byte(y2)}); err != nil {
		return err
	}
	return d.writeCmd(RAMWR)
}

// WriteColor streams RGB565 pixels, two bytes per pixel in wire order,
// into the window declared by SetWindow. The pixel count must match
// the window area.
func (d *Device) WriteColor(pix []byte) error {
	if len(pix) == 0 {
		return nil
	}
	if len(pix)%2 != 0 {
		return fmt.Errorf("st7796: odd color buffer length %d", len(pix))
	}
	return d.writeData(pix)
}

// Command bytes from the ST7796 datasheet.
const (
	NOP     = 0x00
	SWRESET = 0x01 // Software reset
	SLPIN   = 0x10 // Enter sleep mode
	SLPOUT  = 0x11 // Sleep out
	INVOFF  = 0x20 // Display inversion off
	INVON   = 0x21 // Display inversion on
	DISPOFF = 0x28 // Display off
	DISPON  = 0x29 // Display on

	CASET = 0x2A // Column address set
	RASET = 0x2B // Row address set
	RAMWR = 0x2C // Memory write

	MADCTL = 0x36 // Memory access control
	COLMOD = 0x3A // Pixel format set

	FRMCTR1 = 0xB1 // Frame rate control (normal mode)
	DFUNCTR = 0xB6 // Display function control

	PWCTR1 = 0xC0 // Power control 1
	PWCTR2 = 0xC1 // Power control 2
	VMCTR1 = 0xC5 // VCOM control 1
	VMCTR2 = 0xC7 // VCOM control 2

	GAMMASET = 0x26 // Gamma set
	GMCTRP1  = 0xE0 // Positive gamma correction
	GMCTRN1  = 0xE1 // Negative gamma correction
)

// MADCTL bits.
const (
	MADCTL_MY  = 1 << 7 // Row address order
	MADCTL_MX  = 1 << 6 // Column address order
	MADCTL_MV  = 1 << 5 // Row/column exchange
	MADCTL_ML  = 1 << 4 // Vertical refresh order
	MADCTL_BGR = 1 << 3 // BGR channel order
	MADCTL_MH  = 1 << 2 // Horizontal refresh order
)
