// Package hal is the thin hardware layer under the radio drivers: pin output,
// edge interrupts, SPI transactions and short busy delays.
package hal

import (
	"context"
	"time"
)

// OutputPin drives a GPIO line.
type OutputPin interface {
	Set(high bool) error
}

// InterruptPin delivers rising edges to a handler. The handler runs on the
// pin's own goroutine and must only perform a single atomic store.
type InterruptPin interface {
	Attach(ctx context.Context, handler func()) error
}

// SPI performs one full-duplex transaction. r may be nil for write-only
// transfers; when set it must be the same length as w.
type SPI interface {
	Tx(w, r []byte) error
}

// Board groups the hardware a radio driver needs.
type Board struct {
	SPI   SPI
	Reset OutputPin
	DIO0  InterruptPin
	Delay func(time.Duration)
	close func() error
}

// Close releases the SPI port and any pin watchers.
func (b *Board) Close() error {
	if b == nil || b.close == nil {
		return nil
	}

	return b.close()
}

// Sleep honours Board.Delay when set so tests can run without waiting.
func (b *Board) Sleep(d time.Duration) {
	if b.Delay != nil {
		b.Delay(d)
		return
	}
	time.Sleep(d)
}

// edgeWaiter is the part of a GPIO input used for interrupt delivery.
type edgeWaiter interface {
	WaitForEdge(timeout time.Duration) bool
}

const edgePollTimeout = 100 * time.Millisecond

// watchEdges calls handler on every edge until ctx is done.
func watchEdges(ctx context.Context, pin edgeWaiter, handler func()) {
	for ctx.Err() == nil {
		if pin.WaitForEdge(edgePollTimeout) {
			handler()
		}
	}
}
