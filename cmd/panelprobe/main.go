// command panelprobe brings up the display and touch controllers and
// reports what it finds, for verifying a board before the UI runs.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"touchpanel.dev/driver/gt911"
	"touchpanel.dev/driver/st7796"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "panelprobe: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
	i2cBus := flag.String("i2c", "", "I2C bus name or alias (default: first available)")
	fill := flag.Uint("fill", 0x07E0, "RGB565 fill color for the display test")
	watch := flag.Duration("watch", 5*time.Second, "how long to echo touch samples")
	flag.Parse()

	disp, err := st7796.Open(nil)
	if err != nil {
		return err
	}
	defer disp.Close()
	if err := disp.Configure(); err != nil {
		return err
	}
	sz := disp.Size()
	log.Printf("display: %dx%d, orientation %d", sz.X, sz.Y, disp.Orientation())
	if err := disp.SetWindow(0, 0, sz.X-1, sz.Y-1); err != nil {
		return err
	}
	pix := make([]byte, 2*sz.X*sz.Y)
	for i := 0; i < len(pix); i += 2 {
		pix[i] = byte(*fill >> 8)
		pix[i+1] = byte(*fill)
	}
	if err := disp.WriteColor(pix); err != nil {
		return err
	}

	touch, err := gt911.Open(*i2cBus)
	if err != nil {
		return err
	}
	defer touch.Close()
	if err := touch.Init(); err != nil {
		return err
	}
	maxX, maxY := touch.Resolution()
	log.Printf("touch: product %q, %dx%d", touch.ProductID(), maxX, maxY)

	deadline := time.Now().Add(*watch)
	var last gt911.Sample
	for time.Now().Before(deadline) {
		s, err := touch.ReadTouch()
		if err != nil {
			log.Printf("touch: %v", err)
		} else if s != last {
			state := "released"
			if s.Pressed {
				state = "pressed"
			}
			log.Printf("touch: %s at (%d,%d)", state, s.X, s.Y)
			last = s
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}
