package ble

import "sync"

// MaxValueSize is the largest characteristic value the peripheral serves.
const MaxValueSize = 512

// longRead keeps the last FromRadio value so BlueZ can fetch it in pieces.
// Only a read at offset 0 pulls a new value; continuation reads never
// advance the handshake or drain the queue.
type longRead struct {
	mu   sync.Mutex
	buf  [MaxValueSize]byte
	last []byte
}

func (l *longRead) read(offset int, fill func(dst []byte) int) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	if offset > 0 {
		if offset >= len(l.last) {
			return []byte{}
		}
		return append([]byte(nil), l.last[offset:]...)
	}

	n := fill(l.buf[:])
	if n < 0 {
		n = 0
	}
	l.last = l.buf[:n]

	return append([]byte(nil), l.last...)
}

func (l *longRead) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = nil
}
