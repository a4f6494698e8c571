package st7796

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spitest"
)

func newTestDevice(t *testing.T) (*Device, *spitest.Record) {
	t.Helper()
	rec := &spitest.Record{}
	d, err := New(rec,
		&gpiotest.Pin{N: "DC"},
		&gpiotest.Pin{N: "CS"},
		&gpiotest.Pin{N: "RST"},
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	d.sleep = func(time.Duration) {}
	return d, rec
}

func checkOps(t *testing.T, got []conntest.IO, want [][]byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d transactions, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i].W, want[i]) {
			t.Errorf("transaction %d: got % x, want % x", i, got[i].W, want[i])
		}
	}
}

func TestSetOrientation(t *testing.T) {
	tests := []struct {
		o    Orientation
		want byte
	}{
		{Portrait, 0x48},
		{Landscape, 0x28},
		{PortraitInverted, 0x88},
		{LandscapeInverted, 0xE8},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("orientation_%d", tt.o), func(t *testing.T) {
			d, rec := newTestDevice(t)
			if err := d.SetOrientation(tt.o); err != nil {
				t.Fatal(err)
			}
			checkOps(t, rec.Ops, [][]byte{{MADCTL}, {tt.want}})
			if got := d.Orientation(); got != tt.o {
				t.Errorf("Orientation() = %d, want %d", got, tt.o)
			}
		})
	}
}

func TestSetOrientationInvalid(t *testing.T) {
	d, rec := newTestDevice(t)
	if err := d.SetOrientation(Orientation(4)); err == nil {
		t.Fatal("expected error for invalid orientation")
	}
	if len(rec.Ops) != 0 {
		t.Errorf("invalid orientation issued %d transactions", len(rec.Ops))
	}
}

func TestSetWindow(t *testing.T) {
	tests := []struct {
		x1, y1, x2, y2 int
		col, row       []byte
	}{
		{0, 0, 319, 479, []byte{0x00, 0x00, 0x01, 0x3F}, []byte{0x00, 0x00, 0x01, 0xDF}},
		{16, 32, 271, 303, []byte{0x00, 0x10, 0x01, 0x0F}, []byte{0x00, 0x20, 0x01, 0x2F}},
	}
	for _, tt := range tests {
		d, rec := newTestDevice(t)
		if err := d.SetWindow(tt.x1, tt.y1, tt.x2, tt.y2); err != nil {
			t.Fatal(err)
		}
		checkOps(t, rec.Ops, [][]byte{
			{CASET}, tt.col,
			{RASET}, tt.row,
			{RAMWR},
		})
	}
}

func TestWriteColor(t *testing.T) {
	d, rec := newTestDevice(t)
	pix := []byte{0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC}
	if err := d.WriteColor(pix); err != nil {
		t.Fatal(err)
	}
	checkOps(t, rec.Ops, [][]byte{pix})
}

func TestWriteColorEmpty(t *testing.T) {
	d, rec := newTestDevice(t)
	if err := d.WriteColor(nil); err != nil {
		t.Fatal(err)
	}
	if len(rec.Ops) != 0 {
		t.Errorf("empty write issued %d transactions", len(rec.Ops))
	}
}

func TestWriteColorOddLength(t *testing.T) {
	d, rec := newTestDevice(t)
	if err := d.WriteColor([]byte{0x12, 0x34, 0x56}); err == nil {
		t.Fatal("expected error for odd buffer length")
	}
	if len(rec.Ops) != 0 {
		t.Errorf("rejected write issued %d transactions", len(rec.Ops))
	}
}

func TestWriteColorChunked(t *testing.T) {
	d, rec := newTestDevice(t)
	pix := make([]byte, 10000)
	for i := range pix {
		pix[i] = byte(i)
	}
	if err := d.WriteColor(pix); err != nil {
		t.Fatal(err)
	}
	var sent []byte
	for _, op := range rec.Ops {
		if len(op.W) > len(d.txBuf) {
			t.Errorf("transaction of %d bytes exceeds limit %d", len(op.W), len(d.txBuf))
		}
		sent = append(sent, op.W...)
	}
	if !bytes.Equal(sent, pix) {
		t.Error("chunked stream does not match input")
	}
}

// recordPin captures every level written to a control line.
type recordPin struct {
	gpiotest.Pin
	levels []gpio.Level
}

func (p *recordPin) Out(l gpio.Level) error {
	p.levels = append(p.levels, l)
	return p.Pin.Out(l)
}

func TestConfigure(t *testing.T) {
	rec := &spitest.Record{}
	rst := &recordPin{Pin: gpiotest.Pin{N: "RST"}}
	d, err := New(rec, &gpiotest.Pin{N: "DC"}, &gpiotest.Pin{N: "CS"}, rst, nil)
	if err != nil {
		t.Fatal(err)
	}
	var long int
	d.sleep = func(dur time.Duration) {
		if dur == 100*time.Millisecond {
			long++
		}
	}
	if err := d.Configure(); err != nil {
		t.Fatal(err)
	}

	// Release-hold-release after the idle level.
	wantRst := []gpio.Level{gpio.High, gpio.High, gpio.Low, gpio.High}
	if len(rst.levels) != len(wantRst) {
		t.Fatalf("reset line saw %d transitions, want %d", len(rst.levels), len(wantRst))
	}
	for i, l := range wantRst {
		if rst.levels[i] != l {
			t.Errorf("reset transition %d = %v, want %v", i, rst.levels[i], l)
		}
	}

	// Three reset holds plus the SLPOUT and DISPON settle delays.
	if long != 5 {
		t.Errorf("got %d 100ms delays, want 5", long)
	}

	var want [][]byte
	for _, c := range initScript {
		want = append(want, []byte{c.cmd})
		if len(c.data) > 0 {
			want = append(want, c.data)
		}
	}
	// Default orientation, then the panel-specific inversion.
	want = append(want, []byte{MADCTL}, []byte{0x48}, []byte{INVON})
	checkOps(t, rec.Ops, want)
}

type event struct {
	kind string // "cs", "dc", "tx"
	data string
}

type eventPin struct {
	gpiotest.Pin
	kind   string
	events *[]event
}

func (p *eventPin) Out(l gpio.Level) error {
	*p.events = append(*p.events, event{kind: p.kind, data: fmt.Sprint(l)})
	return p.Pin.Out(l)
}

type eventConn struct {
	events *[]event
}

func (c *eventConn) String() string { return "eventconn" }

func (c *eventConn) Duplex() conn.Duplex { return conn.Half }

func (c *eventConn) Tx(w, r []byte) error {
	*c.events = append(*c.events, event{kind: "tx", data: fmt.Sprintf("% x", w)})
	return nil
}

func (c *eventConn) TxPackets(p []spi.Packet) error { return errors.New("unsupported") }

type fakePort struct {
	conn spi.Conn
}

func (p *fakePort) String() string { return "fakeport" }

func (p *fakePort) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	return p.conn, nil
}

func TestTransportFraming(t *testing.T) {
	var events []event
	d, err := New(&fakePort{conn: &eventConn{events: &events}},
		&eventPin{Pin: gpiotest.Pin{N: "DC"}, kind: "dc", events: &events},
		&eventPin{Pin: gpiotest.Pin{N: "CS"}, kind: "cs", events: &events},
		&gpiotest.Pin{N: "RST"},
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	d.sleep = func(time.Duration) {}

	if err := d.writeCmd(RAMWR); err != nil {
		t.Fatal(err)
	}
	if err := d.writeData([]byte{0xAA, 0xBB}); err != nil {
		t.Fatal(err)
	}

	want := []event{
		{"cs", "Low"}, {"dc", "Low"}, {"tx", "2c"}, {"cs", "High"},
		{"cs", "Low"}, {"dc", "High"}, {"tx", "aa bb"}, {"cs", "High"},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(events), len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, events[i], want[i])
		}
	}
}

type failConn struct{}

func (failConn) String() string                 { return "failconn" }
func (failConn) Duplex() conn.Duplex            { return conn.Half }
func (failConn) Tx(w, r []byte) error           { return errors.New("nak") }
func (failConn) TxPackets(p []spi.Packet) error { return errors.New("nak") }

func TestTransportFailure(t *testing.T) {
	d, err := New(&fakePort{conn: failConn{}},
		&gpiotest.Pin{N: "DC"}, &gpiotest.Pin{N: "CS"}, &gpiotest.Pin{N: "RST"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	d.sleep = func(time.Duration) {}
	if err := d.SetWindow(0, 0, 10, 10); err == nil {
		t.Error("SetWindow should surface a bus failure")
	}
	if err := d.WriteColor([]byte{0x00, 0x00}); err == nil {
		t.Error("WriteColor should surface a bus failure")
	}
	if err := d.Configure(); err == nil {
		t.Error("Configure should surface a bus failure")
	}
}

func TestSize(t *testing.T) {
	d, _ := newTestDevice(t)
	tests := []struct {
		o    Orientation
		w, h int
	}{
		{Portrait, 320, 480},
		{Landscape, 480, 320},
		{PortraitInverted, 320, 480},
		{LandscapeInverted, 480, 320},
	}
	for _, tt := range tests {
		if err := d.SetOrientation(tt.o); err != nil {
			t.Fatal(err)
		}
		if sz := d.Size(); sz.X != tt.w || sz.Y != tt.h {
			t.Errorf("Size() under orientation %d = %v, want %dx%d", tt.o, sz, tt.w, tt.h)
		}
	}
}
