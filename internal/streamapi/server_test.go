package streamapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeBridge struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	writes      [][]byte
	outbox      [][]byte
	notify      func()
}

func (f *fakeBridge) OnConnect(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
}

func (f *fakeBridge) OnDisconnect(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

// HandleToRadio answers every write with two frames, like a config request.
func (f *fakeBridge) HandleToRadio(data []byte) {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	f.outbox = append(f.outbox, append([]byte{0xA1}, data...), []byte{0xA2})
	notify := f.notify
	f.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (f *fakeBridge) ReadFromRadio(dst []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outbox) == 0 {
		return 0
	}
	n := copy(dst, f.outbox[0])
	f.outbox = f.outbox[1:]
	return n
}

func (f *fakeBridge) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer() (*Server, *fakeBridge) {
	b := &fakeBridge{}
	s := NewServer(testLogger(), b)
	b.notify = func() { s.NotifyFromNum(1) }
	return s, b
}

func writeClientFrame(t *testing.T, w io.Writer, payload []byte) {
	t.Helper()
	frame, err := encodeFrame(payload)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if _, err := w.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readClientFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := readFrame(readFullContext(context.Background(), conn))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return payload
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServeDrainsFromRadioAfterWrite(t *testing.T) {
	s, b := newTestServer()
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- s.Serve(context.Background(), "serial", server)
	}()

	writeClientFrame(t, client, []byte{0x18, 0x05})
	if got := readClientFrame(t, client); !bytes.Equal(got, []byte{0xA1, 0x18, 0x05}) {
		t.Fatalf("unexpected first frame %x", got)
	}
	if got := readClientFrame(t, client); !bytes.Equal(got, []byte{0xA2}) {
		t.Fatalf("unexpected second frame %x", got)
	}

	connects, _ := b.counts()
	if connects != 1 {
		t.Fatalf("expected one connect, got %d", connects)
	}
	if s.Sessions() != 1 {
		t.Fatalf("expected one open session, got %d", s.Sessions())
	}

	_ = client.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return after client close")
	}
	if _, disconnects := b.counts(); disconnects != 1 {
		t.Fatalf("expected one disconnect, got %d", disconnects)
	}
	if s.Sessions() != 0 {
		t.Fatalf("session should be removed after close")
	}
}

func TestServeSkipsInvalidFrames(t *testing.T) {
	s, b := newTestServer()
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		_ = s.Serve(context.Background(), "serial", server)
	}()

	if _, err := client.Write([]byte{0x94, 0xC3, 0x00, 0x00}); err != nil {
		t.Fatalf("write empty frame: %v", err)
	}
	writeClientFrame(t, client, []byte{0x01})
	readClientFrame(t, client)

	b.mu.Lock()
	writes := len(b.writes)
	b.mu.Unlock()
	if writes != 1 {
		t.Fatalf("expected only the valid frame to reach the bridge, got %d", writes)
	}
}

func TestListenerRefusesSecondClient(t *testing.T) {
	s, b := newTestServer()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.serveListener(ctx, ln)
	}()

	first, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	writeClientFrame(t, first, []byte{0x07})
	readClientFrame(t, first)

	second, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected second client to be closed, got %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listener returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not stop")
	}
	waitFor(t, "disconnect", func() bool {
		_, disconnects := b.counts()
		return disconnects == 1
	})
}

func TestServeSerialReopensPort(t *testing.T) {
	s, b := newTestServer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		opens   int
		clients []net.Conn
	)
	open := func(string, int) (io.ReadWriteCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		if opens == 1 {
			return nil, errors.New("port busy")
		}
		client, server := net.Pipe()
		clients = append(clients, client)
		return server, nil
	}

	done := make(chan error, 1)
	go func() {
		done <- s.serveSerial(ctx, "/dev/ttyFAKE", 115200, open, time.Millisecond)
	}()

	waitFor(t, "serial session", func() bool {
		connects, _ := b.counts()
		return connects == 1
	})

	mu.Lock()
	client := clients[0]
	mu.Unlock()
	writeClientFrame(t, client, []byte{0x33})
	if got := readClientFrame(t, client); !bytes.Equal(got, []byte{0xA1, 0x33}) {
		t.Fatalf("unexpected frame %x", got)
	}

	cancel()
	mu.Lock()
	for _, c := range clients {
		_ = c.Close()
	}
	mu.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("serial server did not stop")
	}
}
