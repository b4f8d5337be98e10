package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/skobkin/simsnode/internal/app"
	"github.com/skobkin/simsnode/internal/bridge"
	"github.com/skobkin/simsnode/internal/bus"
	"github.com/skobkin/simsnode/internal/config"
	"github.com/skobkin/simsnode/internal/connectors"
	"github.com/skobkin/simsnode/internal/domain"
	"github.com/skobkin/simsnode/internal/logging"
	"github.com/skobkin/simsnode/internal/radio"
	"github.com/skobkin/simsnode/internal/wire"
)

const (
	maxHexPreviewLen = 64
	textMessagePort  = 1
	replayTick       = 10 * time.Millisecond
)

// replayConfig describes the two simulated nodes.
type replayConfig struct {
	NodeNum   domain.DeviceID
	PeerNum   domain.DeviceID
	LongName  string
	ShortName string
	Nonce     uint32
	Region    radio.Region
	Text      string
	Timeout   time.Duration
}

// replayResult is what the replay observed, in order.
type replayResult struct {
	Frames       []wire.FromRadioKind
	ConfigNonce  uint32
	PeerHeard    bool
	AckForClient bool
	AckForPeer   bool
}

func main() {
	if err := run(); err != nil {
		slog.Error("run debug tool", "error", err)
		os.Exit(1)
	}
}

func run() error {
	nodeNum := flag.String("node", "!a1b2c3d4", "node number of the bridge under test")
	peerNum := flag.String("peer", "!0000beef", "node number of the simulated peer")
	nonce := flag.Uint("nonce", 0, "want_config_id sent by the simulated client (0 uses the default)")
	region := flag.String("region", config.DefaultRegion, "radio region")
	text := flag.String("text", "hello from the debug client", "text payload relayed in both directions")
	timeout := flag.Duration("timeout", 5*time.Second, "give up after this long")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logMgr := logging.NewManager()
	if err := logMgr.Configure(config.LoggingConfig{Level: *level}, ""); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("debug")
	logger.Info("starting simsnode debug", "version", app.BuildVersionWithDate())

	node, err := domain.ParseDeviceID(*nodeNum)
	if err != nil {
		return err
	}
	peer, err := domain.ParseDeviceID(*peerNum)
	if err != nil {
		return err
	}

	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()
	watch(ctx, b, logger)

	res, err := replay(ctx, logMgr, b, os.Stdout, replayConfig{
		NodeNum:   node,
		PeerNum:   peer,
		LongName:  "Debug Node",
		ShortName: "DBG",
		Nonce:     uint32(*nonce),
		Region:    radio.Region(*region),
		Text:      *text,
		Timeout:   *timeout,
	})
	if err != nil {
		return err
	}
	logger.Info("replay finished",
		"frames", len(res.Frames),
		"config_nonce", res.ConfigNonce,
		"peer_heard", res.PeerHeard,
		"ack_for_client", res.AckForClient,
		"ack_for_peer", res.AckForPeer,
	)

	return nil
}

// loggerSource hands out component loggers; *logging.Manager satisfies it.
type loggerSource interface {
	Logger(component string) *slog.Logger
}

// replay runs the phone handshake against a bridge on a simulated air, then
// sends a want_ack packet from each side and waits for both routing ACKs.
func replay(ctx context.Context, logs loggerSource, b bus.MessageBus, out io.Writer, cfg replayConfig) (replayResult, error) {
	var res replayResult
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	params, err := radio.ParamsFor(cfg.Region, radio.NetworkMeshtastic, 0)
	if err != nil {
		return res, err
	}
	air := radio.NewAir()
	nodeRadio := radio.NewTransport(logs.Logger("radio"), air.Join(radio.SignalInfo{RSSI: -72, SNR: 6.25}), params)
	peerRadio := radio.NewTransport(logs.Logger("peer"), air.Join(radio.SignalInfo{RSSI: -68, SNR: 7}), params)
	for _, t := range []*radio.Transport{nodeRadio, peerRadio} {
		if err := t.Begin(ctx); err != nil {
			return res, fmt.Errorf("start simulated radio: %w", err)
		}
	}
	defer func() {
		_ = nodeRadio.Close()
		_ = peerRadio.Close()
	}()

	channels, err := domain.ChannelTable("", "")
	if err != nil {
		return res, err
	}
	br, err := bridge.New(logs.Logger("bridge"), b, bridge.Config{
		NodeNum:   cfg.NodeNum,
		LongName:  cfg.LongName,
		ShortName: cfg.ShortName,
		Channels:  channels,
	}, nodeRadio, nil)
	if err != nil {
		return res, err
	}

	br.OnConnect("debug")
	defer br.OnDisconnect("debug")

	var buf [bridge.QueueSlotSize]byte
	n := wire.EncodeWantConfig(buf[:], cfg.Nonce)
	br.HandleToRadio(buf[:n])

	for {
		n := br.ReadFromRadio(buf[:])
		if n == 0 {
			break
		}
		kind, err := printFrame(out, buf[:n])
		if err != nil {
			return res, err
		}
		res.Frames = append(res.Frames, kind)
		if msg, err := wire.DecodeFromRadio(buf[:n]); err == nil && kind == wire.FromRadioConfigComplete {
			res.ConfigNonce = msg.Value
		}
	}
	if br.Phase() != bridge.PhasePackets {
		return res, fmt.Errorf("handshake stopped in phase %s", br.Phase())
	}

	// Client to air.
	var pkt [radio.MaxPacketSize]byte
	clientID := uint32(time.Now().UnixNano())
	pn := wire.EncodeMeshPacket(pkt[:], wire.MeshPacket{
		From:     uint32(cfg.NodeNum),
		To:       uint32(cfg.PeerNum),
		ID:       clientID,
		HopLimit: 3,
		WantAck:  true,
		Portnum:  textMessagePort,
		Payload:  []byte(cfg.Text),
	})
	n = wire.EncodeToRadioPacket(buf[:], pkt[:pn])
	br.HandleToRadio(buf[:n])

	// Air to client.
	peerID := clientID + 1
	pn = wire.EncodeMeshPacket(pkt[:], wire.MeshPacket{
		From:     uint32(cfg.PeerNum),
		To:       uint32(cfg.NodeNum),
		ID:       peerID,
		HopLimit: 3,
		WantAck:  true,
		Portnum:  textMessagePort,
		Payload:  []byte(cfg.Text),
	})
	peerAckID := peerID + 1
	peerSent, peerAckSent := false, false

	ticker := time.NewTicker(replayTick)
	defer ticker.Stop()
	var rx [radio.MaxPacketSize]byte
	for !(res.PeerHeard && res.AckForClient && res.AckForPeer) {
		select {
		case <-ctx.Done():
			return res, fmt.Errorf("replay incomplete: %w", ctx.Err())
		case <-ticker.C:
		}

		// Node main loop.
		for nodeRadio.Available() {
			n, err := nodeRadio.Receive(rx[:])
			if err != nil {
				break
			}
			br.HandleRadioPacket(rx[:n])
		}
		br.Poll()
		for {
			n := br.ReadFromRadio(buf[:])
			if n == 0 {
				break
			}
			kind, err := printFrame(out, buf[:n])
			if err != nil {
				return res, err
			}
			res.Frames = append(res.Frames, kind)
			if kind == wire.FromRadioPacket && peerAckSent && isAckFrom(buf[:n], cfg.PeerNum, peerAckID) {
				res.AckForClient = true
			}
		}

		// Peer main loop.
		for peerRadio.Available() {
			n, err := peerRadio.Receive(rx[:])
			if err != nil {
				break
			}
			h, err := wire.ParsePacketHeader(rx[:n])
			if err != nil {
				continue
			}
			switch {
			case h.ID == clientID:
				res.PeerHeard = true
				_, _ = fmt.Fprintf(out, "peer heard client packet id=%d from %s\n", h.ID, domain.DeviceID(h.From))
			case h.From == uint32(cfg.NodeNum) && h.To == uint32(cfg.PeerNum):
				res.AckForPeer = true
				_, _ = fmt.Fprintf(out, "peer got routing ack from %s\n", domain.DeviceID(h.From))
			}
		}
		if !peerSent {
			if err := peerRadio.Send(pkt[:pn]); err != nil {
				return res, fmt.Errorf("peer send: %w", err)
			}
			peerSent = true
		}
		if res.PeerHeard && !peerAckSent {
			var ack [radio.MaxPacketSize]byte
			an := wire.EncodeRoutingAck(ack[:], uint32(cfg.PeerNum), uint32(cfg.NodeNum), peerAckID, clientID, 0)
			if err := peerRadio.Send(ack[:an]); err != nil {
				return res, fmt.Errorf("peer ack: %w", err)
			}
			peerAckSent = true
		}
	}

	return res, nil
}

// isAckFrom reports whether a FromRadio packet frame carries the peer's
// routing ACK with packet id ackID.
func isAckFrom(frame []byte, peer domain.DeviceID, ackID uint32) bool {
	msg, err := wire.DecodeFromRadio(frame)
	if err != nil || msg.Kind != wire.FromRadioPacket {
		return false
	}
	h, err := wire.ParsePacketHeader(msg.Body)
	if err != nil {
		return false
	}

	return h.From == uint32(peer) && h.ID == ackID
}

// printFrame writes one line per FromRadio frame and returns its kind.
func printFrame(out io.Writer, frame []byte) (wire.FromRadioKind, error) {
	msg, err := wire.DecodeFromRadio(frame)
	if err != nil {
		return wire.FromRadioUnknown, fmt.Errorf("decode fromradio: %w", err)
	}

	_, err = fmt.Fprintf(out, "fromradio %-18s len=%-3d %s\n", msg.Kind, len(frame), describe(msg))
	return msg.Kind, err
}

func describe(msg wire.FromRadio) string {
	switch msg.Kind {
	case wire.FromRadioMyInfo:
		info, err := wire.DecodeMyInfo(msg.Body)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("node=%s reboots=%d", domain.DeviceID(info.NodeNum), info.RebootCount)
	case wire.FromRadioNodeInfo:
		user, err := wire.DecodeNodeInfo(msg.Body)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("id=%s long=%q short=%q", user.ID, user.LongName, user.ShortName)
	case wire.FromRadioChannel:
		ch, err := wire.DecodeChannel(msg.Body)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("index=%d name=%q psk_len=%d", ch.Index, ch.Name, len(ch.PSK))
	case wire.FromRadioConfigComplete:
		return fmt.Sprintf("nonce=%d", msg.Value)
	case wire.FromRadioPacket:
		h, err := wire.ParsePacketHeader(msg.Body)
		if err != nil {
			return previewHex(strings.ToUpper(hex.EncodeToString(msg.Body)))
		}
		return fmt.Sprintf("from=%s to=%s id=%d want_ack=%t", domain.DeviceID(h.From), domain.DeviceID(h.To), h.ID, h.WantAck)
	default:
		return ""
	}
}

func watch(ctx context.Context, b bus.MessageBus, logger *slog.Logger) {
	topics := []string{connectors.TopicClientStatus, connectors.TopicHandshake, connectors.TopicRadioTx}
	sub := b.Subscribe(topics...)

	go func() {
		defer b.Unsubscribe(sub, topics...)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				switch ev := raw.(type) {
				case connectors.ClientStatus:
					logger.Info("client", "state", ev.State, "transport", ev.TransportName, "clients", ev.Connected)
				case connectors.HandshakeProgress:
					logger.Info("handshake", "phase", ev.Phase, "nonce", ev.Nonce)
				case connectors.RawFrame:
					logger.Info("radio-tx", "len", ev.Len, "hex", previewHex(ev.Hex))
				}
			}
		}
	}()
}

func previewHex(hex string) string {
	hex = strings.TrimSpace(hex)
	if len(hex) <= maxHexPreviewLen {
		return hex
	}
	return hex[:maxHexPreviewLen] + "..."
}
