package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skobkin/simsnode/internal/config"
	"github.com/skobkin/simsnode/internal/connectors"
	"github.com/skobkin/simsnode/internal/domain"
	"github.com/skobkin/simsnode/internal/mesh"
	"github.com/skobkin/simsnode/internal/persistence"
	"github.com/skobkin/simsnode/internal/radio"
	"github.com/skobkin/simsnode/internal/wire"
)

func newTestRuntime(t *testing.T, driver radio.Driver, id domain.DeviceID, mutate func(*config.AppConfig)) *Runtime {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Radio.Driver = config.RadioDriverSim
	cfg.Bluetooth.Enabled = false
	cfg.StreamAPI.TCPListen = ""
	cfg.Logging.Level = "error"
	if mutate != nil {
		mutate(&cfg)
	}
	if err := config.Save(filepath.Join(dir, ConfigFilename), cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	rt, err := Initialize(context.Background(), Options{DataDir: dir, driver: driver, deviceID: id})
	if err != nil {
		t.Fatalf("initialize runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })

	return rt
}

func TestInitialize_NativeModeSendsHeartbeatOnFirstStep(t *testing.T) {
	air := radio.NewAir()
	sim := air.Join(radio.SignalInfo{RSSI: -50, SNR: 8})

	rt := newTestRuntime(t, sim, 0x0a0b0c0d, func(cfg *config.AppConfig) {
		cfg.Mode = config.ModeNative
	})

	if rt.Mesh == nil || rt.Bridge != nil {
		t.Fatalf("native mode must run the mesh protocol only")
	}
	if rt.Radio == nil {
		t.Fatalf("expected radio to be up")
	}
	if rt.DB == nil {
		t.Fatalf("expected message storage to be open")
	}
	if rt.BootCount != 1 {
		t.Fatalf("boot count = %d, want 1", rt.BootCount)
	}
	if got := rt.Display.Status().Radio; got != connectors.RadioStateReady {
		t.Fatalf("display radio state = %q", got)
	}

	rt.step()

	sent := sim.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one heartbeat, got %d frames", len(sent))
	}
	msg, err := mesh.DecodeFrame(sent[0])
	if err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if msg.Type != mesh.TypeHeartbeat || msg.Source != 0x0a0b0c0d || msg.Destination != domain.Broadcast {
		t.Fatalf("unexpected heartbeat: %+v", msg)
	}
}

func TestInitialize_NativeModeStoresMessagesFromPeer(t *testing.T) {
	air := radio.NewAir()
	sender := newTestRuntime(t, air.Join(radio.SignalInfo{RSSI: -70, SNR: 5}), 0x00000001, func(cfg *config.AppConfig) {
		cfg.Mode = config.ModeNative
	})
	receiver := newTestRuntime(t, air.Join(radio.SignalInfo{RSSI: -70, SNR: 5}), 0x00000002, func(cfg *config.AppConfig) {
		cfg.Mode = config.ModeNative
	})

	if _, err := sender.Mesh.Send(receiver.DeviceID, mesh.TypeData, mesh.PriorityNormal, []byte("status ok")); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sender.step()
		receiver.step()

		recs, err := receiver.Messages.ListRecent(context.Background(), 10)
		if err != nil {
			t.Fatalf("list messages: %v", err)
		}
		for _, rec := range recs {
			if rec.Direction == persistence.DirectionInbound && rec.Type == uint8(mesh.TypeData) {
				if string(rec.Payload) != "status ok" || rec.Source != 0x00000001 {
					t.Fatalf("unexpected stored message: %+v", rec)
				}
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("receiver never stored the message")
}

func TestInitialize_BridgeModeAcknowledgesRadioPackets(t *testing.T) {
	air := radio.NewAir()
	sim := air.Join(radio.SignalInfo{RSSI: -80, SNR: 3})

	rt := newTestRuntime(t, sim, 0x11223344, nil)
	if rt.Bridge == nil || rt.Mesh != nil {
		t.Fatalf("meshtastic mode must run the bridge only")
	}
	if rt.BLE != nil {
		t.Fatalf("ble server must stay off when disabled")
	}

	rxSub := rt.Bus.Subscribe(connectors.TopicRadioRx)
	defer rt.Bus.Unsubscribe(rxSub, connectors.TopicRadioRx)

	var buf [radio.MaxPacketSize]byte
	n := wire.EncodeMeshPacket(buf[:], wire.MeshPacket{
		From:     0x55667788,
		To:       0x11223344,
		ID:       4242,
		HopLimit: 3,
		WantAck:  true,
		Portnum:  1,
		Payload:  []byte("hi"),
	})
	if n == 0 {
		t.Fatalf("encode mesh packet")
	}
	sim.Inject(buf[:n], radio.SignalInfo{RSSI: -90, SNR: 2.5})

	rt.step()

	select {
	case raw := <-rxSub:
		frame, ok := raw.(connectors.RawFrame)
		if !ok || frame.Len != n || frame.RSSI != -90 {
			t.Fatalf("unexpected rx event: %#v", raw)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected radio rx event")
	}

	deadline := time.Now().Add(time.Second)
	for len(sim.Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		rt.step()
	}
	sent := sim.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one routing ack, got %d", len(sent))
	}
	h, err := wire.ParsePacketHeader(sent[0])
	if err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	if h.From != 0x11223344 || h.To != 0x55667788 {
		t.Fatalf("unexpected ack routing: %+v", h)
	}
}

func TestInitialize_ContinuesWithoutRadio(t *testing.T) {
	air := radio.NewAir()
	sim := air.Join(radio.SignalInfo{})
	sim.FailInits(RadioBeginAttempts)

	rt := newTestRuntime(t, sim, 0x01020304, nil)

	if rt.Radio != nil {
		t.Fatalf("radio must be nil after init failure")
	}
	if sim.InitCalls() != RadioBeginAttempts {
		t.Fatalf("init calls = %d, want %d", sim.InitCalls(), RadioBeginAttempts)
	}
	status := rt.Display.Status()
	if status.Radio != connectors.RadioStateUnavailable || status.RadioErr == "" {
		t.Fatalf("display must show the radio failure: %+v", status)
	}
	if rt.Bridge == nil {
		t.Fatalf("bridge must still serve clients without a radio")
	}

	rt.step()
}

func TestRun_StopsOnCancel(t *testing.T) {
	air := radio.NewAir()
	rt := newTestRuntime(t, air.Join(radio.SignalInfo{}), 0x0badcafe, func(cfg *config.AppConfig) {
		cfg.StreamAPI.TCPListen = "127.0.0.1:0"
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestStatusAPI_QueuesNativeMessage(t *testing.T) {
	air := radio.NewAir()
	sim := air.Join(radio.SignalInfo{RSSI: -60, SNR: 7})
	rt := newTestRuntime(t, sim, 0x0a0b0c0d, func(cfg *config.AppConfig) {
		cfg.Mode = config.ModeNative
		cfg.Mesh.HeartbeatSeconds = 3600
		cfg.HTTPAPI.Listen = "127.0.0.1:0"
	})
	if rt.StatusAPI == nil {
		t.Fatalf("status api must be configured")
	}
	if _, ok := rt.RadioStats(); ok {
		t.Fatalf("radio stats must be empty before the first loop pass")
	}

	rt.step()
	before := len(sim.Sent())

	req := httptest.NewRequest(http.MethodPost, "/mesh/messages", strings.NewReader(`{"to":"!00000042","text":"water low"}`))
	rec := httptest.NewRecorder()
	rt.StatusAPI.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	rt.step()
	sent := sim.Sent()
	if len(sent) != before+1 {
		t.Fatalf("expected one more frame on air, got %d -> %d", before, len(sent))
	}
	msg, err := mesh.DecodeFrame(sent[len(sent)-1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Destination != 0x42 || string(msg.Payload) != "water low" || msg.Type != mesh.TypeData {
		t.Fatalf("unexpected frame: %+v", msg)
	}

	st, ok := rt.RadioStats()
	if !ok || st.Sent != uint32(len(sent)) {
		t.Fatalf("radio stats = %+v, %v", st, ok)
	}
}

func TestRun_NotifiesSystemd(t *testing.T) {
	dir, err := os.MkdirTemp("", "sdn")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	sockPath := filepath.Join(dir, "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram sockets unavailable: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	t.Setenv("NOTIFY_SOCKET", sockPath)
	t.Setenv("WATCHDOG_USEC", "40000")
	t.Setenv("WATCHDOG_PID", "")

	air := radio.NewAir()
	rt := newTestRuntime(t, air.Join(radio.SignalInfo{}), 0x0badf00d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	read := func() string {
		buf := make([]byte, 256)
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read notify socket: %v", err)
		}
		return string(buf[:n])
	}

	if got := read(); got != "READY=1" {
		t.Fatalf("first notification = %q, want READY=1", got)
	}
	if got := read(); got != "WATCHDOG=1" {
		t.Fatalf("second notification = %q, want WATCHDOG=1", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	for {
		if got := read(); got == "STOPPING=1" {
			return
		}
	}
}

func TestClose_FinishesQueuedWrites(t *testing.T) {
	air := radio.NewAir()
	rt := newTestRuntime(t, air.Join(radio.SignalInfo{}), 0x0a0b0c0e, func(cfg *config.AppConfig) {
		cfg.Mode = config.ModeNative
	})

	started := make(chan struct{})
	writeErr := make(chan error, 1)
	rt.Writer.Enqueue("slow_insert", func(ctx context.Context) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		_, err := rt.Messages.Insert(ctx, persistence.MessageRecord{
			Direction:   persistence.DirectionInbound,
			Source:      0x00000077,
			Destination: 0x0a0b0c0e,
			Sequence:    12,
			Type:        uint8(mesh.TypeData),
			Payload:     []byte("late"),
			CreatedAt:   time.Now(),
		})
		writeErr <- err
		return err
	})
	// A write queued behind the running one must run too.
	rt.Writer.Enqueue("second_insert", func(ctx context.Context) error {
		_, err := rt.Messages.Insert(ctx, persistence.MessageRecord{
			Direction: persistence.DirectionInbound,
			Source:    0x00000077,
			Sequence:  13,
			Type:      uint8(mesh.TypeData),
			CreatedAt: time.Now(),
		})
		return err
	})
	<-started

	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-writeErr:
		if err != nil {
			t.Fatalf("slow write failed: %v", err)
		}
	default:
		t.Fatalf("close returned before the queued write finished")
	}

	db, err := persistence.Open(context.Background(), rt.Paths.DBFile)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer db.Close()
	recs, err := persistence.NewMessageRepo(db).ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	seqs := map[uint16]bool{}
	for _, rec := range recs {
		seqs[rec.Sequence] = true
	}
	if !seqs[12] || !seqs[13] {
		t.Fatalf("queued writes lost on close: %+v", recs)
	}

	rt.Writer.Enqueue("after_close", func(context.Context) error {
		return errors.New("must not run")
	})
	if err := rt.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestStep_KeepsPacketWhenRearmFails(t *testing.T) {
	air := radio.NewAir()
	sim := air.Join(radio.SignalInfo{RSSI: -80, SNR: 3})
	rt := newTestRuntime(t, sim, 0x11223355, nil)

	rxSub := rt.Bus.Subscribe(connectors.TopicRadioRx)
	defer rt.Bus.Unsubscribe(rxSub, connectors.TopicRadioRx)

	var buf [radio.MaxPacketSize]byte
	n := wire.EncodeMeshPacket(buf[:], wire.MeshPacket{From: 0x55667788, To: 0x11223355, ID: 77, HopLimit: 3, Portnum: 1, Payload: []byte("hi")})
	sim.Inject(buf[:n], radio.SignalInfo{RSSI: -90, SNR: 2})
	sim.FailRearms(1)

	rt.step()

	select {
	case raw := <-rxSub:
		if frame, ok := raw.(connectors.RawFrame); !ok || frame.Len != n {
			t.Fatalf("unexpected rx event: %#v", raw)
		}
	case <-time.After(time.Second):
		t.Fatalf("packet read before a failed rearm was dropped")
	}
}
