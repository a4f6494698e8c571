// package panel bridges the display and touch drivers to a frame-based
// rendering engine and its polled input device, and owns the mutual
// exclusion that makes the engine safe to drive from two goroutines.
package panel

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"touchpanel.dev/driver/gt911"
)

// Engine is the consumed rendering-engine contract. Tick runs one
// engine period; the engine invokes the registered flush and sample
// callbacks from inside it. FlushDone releases the engine to render
// the next frame and must be signalled once per flush, even when
// output is suppressed.
type Engine interface {
	Tick()
	FlushDone()
}

// Display is the subset of the display driver the bridge needs.
// *st7796.Device satisfies it.
type Display interface {
	Configure() error
	SetWindow(x1, y1, x2, y2 int) error
	WriteColor(pix []byte) error
}

// Touch is the subset of the touch driver the bridge needs.
// *gt911.Device satisfies it.
type Touch interface {
	Init() error
	ReadTouch() (gt911.Sample, error)
}

// Panel composes the two drivers into the engine's flush and sample
// contracts. The render mutex serializes every call into the engine,
// and transitively every bus transaction, across the two goroutines
// that share it.
type Panel struct {
	mu     sync.Mutex
	engine Engine
	disp   Display
	touch  Touch

	// Guarded by mu, like all state the flush path observes.
	output       bool
	lastX, lastY uint16
}

// Attach brings up both drivers and returns the bridge. Any bring-up
// failure is returned to the caller; halt, retry or reboot policy is
// not decided here.
func Attach(e Engine, d Display, t Touch) (*Panel, error) {
	if err := d.Configure(); err != nil {
		return nil, fmt.Errorf("panel: display: %w", err)
	}
	if err := t.Init(); err != nil {
		return nil, fmt.Errorf("panel: touch: %w", err)
	}
	return &Panel{
		engine: e,
		disp:   d,
		touch:  t,
		output: true,
	}, nil
}

// Lock acquires the render mutex. Every call into the engine, from
// either goroutine, must run between Lock and Unlock.
func (p *Panel) Lock() { p.mu.Lock() }

// Unlock releases the render mutex.
func (p *Panel) Unlock() { p.mu.Unlock() }

// Do runs f with the render mutex held.
func (p *Panel) Do(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f()
}

// EnableOutput resumes hardware writes from Flush.
func (p *Panel) EnableOutput() {
	p.Do(func() { p.output = true })
}

// DisableOutput suppresses hardware writes from Flush. Flushes still
// complete, so the engine keeps rendering; used for screenshot and
// freeze scenarios.
func (p *Panel) DisableOutput() {
	p.Do(func() { p.output = false })
}

// Flush is the engine's flush callback. area is the dirty region and
// pix its RGB565 pixels, two bytes each in wire order. The engine
// invokes it from Tick, so the render mutex is already held. A bus
// failure drops the frame; the engine is released regardless.
func (p *Panel) Flush(area image.Rectangle, pix []byte) {
	defer p.engine.FlushDone()
	if !p.output {
		return
	}
	n := 2 * area.Dx() * area.Dy()
	if n > len(pix) {
		n = len(pix)
	}
	if err := p.disp.SetWindow(area.Min.X, area.Min.Y, area.Max.X-1, area.Max.Y-1); err != nil {
		return
	}
	_ = p.disp.WriteColor(pix[:n])
}

// Sample is the input device's poll callback. The engine invokes it
// from Tick, so the render mutex is already held; the retained
// coordinate it mutates is guarded by that mutex. The driver reports
// at most one contact, so more is always false and the engine need
// not poll again within the same period. A released or failed read
// reports the last contact position with Pressed unset; coordinate
// remapping is left to the engine's optional transform.
func (p *Panel) Sample() (s gt911.Sample, more bool) {
	s, err := p.touch.ReadTouch()
	if err != nil || !s.Pressed {
		return gt911.Sample{X: p.lastX, Y: p.lastY}, false
	}
	p.lastX, p.lastY = s.X, s.Y
	return s, false
}

// RenderLoop drives the engine's periodic tick under the render mutex
// until ctx is done. It is meant to run on its own goroutine; the
// application goroutine shares the engine through Do.
func (p *Panel) RenderLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.mu.Lock()
			p.engine.Tick()
			p.mu.Unlock()
		}
	}
}
