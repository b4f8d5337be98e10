// Package ble exposes the bridge to phones as a Meshtastic BLE peripheral.
package ble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

const transportName = "ble"

// Bridge is the client-facing side of the phone protocol.
type Bridge interface {
	OnConnect(transportName string)
	OnDisconnect(transportName string)
	HandleToRadio(data []byte)
	ReadFromRadio(dst []byte) int
	FromNum() uint32
}

type Options struct {
	AdapterID string
	LocalName string
	// Adapter skips resolution when the caller already enabled one.
	Adapter *bluetooth.Adapter
}

type Server struct {
	logger *slog.Logger
	bridge Bridge
	opts   Options

	adapter   *bluetooth.Adapter
	adv       *Advertiser
	app       *gattApp
	fromRadio longRead

	mu      sync.Mutex
	devices map[string]struct{}
}

func NewServer(logger *slog.Logger, b Bridge, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		logger:  logger,
		bridge:  b,
		opts:    opts,
		adapter: opts.Adapter,
		devices: make(map[string]struct{}),
	}
}

// Adapter resolves and enables the configured adapter. It is safe to call
// before Start so the caller can derive the node number from it.
func (s *Server) Adapter() (*bluetooth.Adapter, error) {
	if s.adapter != nil {
		return s.adapter, nil
	}
	adapter := ResolveAdapter(s.opts.AdapterID)
	if err := EnableAdapter(adapter); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	s.adapter = adapter

	return adapter, nil
}

// Start registers the GATT service and begins advertising. Connection
// tracking stops when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	adapter, err := s.Adapter()
	if err != nil {
		return err
	}

	app, err := startGATT(ctx, s)
	if err != nil {
		return fmt.Errorf("register gatt application: %w", err)
	}
	s.app = app

	adv, err := StartAdvertising(adapter, s.opts.LocalName)
	if err != nil {
		_ = app.close()
		s.app = nil
		return fmt.Errorf("start advertising: %w", err)
	}
	s.adv = adv
	s.logger.Info("ble peripheral started", "name", advertisedName(s.opts.LocalName), "adapter", s.opts.AdapterID)

	return nil
}

func (s *Server) Close() error {
	var errs []error
	if err := s.adv.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop advertising: %w", err))
	}
	if s.app != nil {
		if err := s.app.close(); err != nil {
			errs = append(errs, fmt.Errorf("unregister gatt application: %w", err))
		}
		s.app = nil
	}

	s.mu.Lock()
	devices := len(s.devices)
	s.devices = make(map[string]struct{})
	s.mu.Unlock()
	for range devices {
		s.bridge.OnDisconnect(transportName)
	}

	return errors.Join(errs...)
}

// NotifyFromNum pushes the new FromNum value to subscribed centrals.
func (s *Server) NotifyFromNum(value uint32) {
	if s.app == nil {
		return
	}
	s.app.notify(encodeFromNum(value))
}

func (s *Server) handleToRadio(data []byte) {
	if len(data) == 0 {
		return
	}
	s.bridge.HandleToRadio(data)
}

func (s *Server) readFromRadio(offset int) []byte {
	return s.fromRadio.read(offset, s.bridge.ReadFromRadio)
}

func (s *Server) readFromNum() []byte {
	return encodeFromNum(s.bridge.FromNum())
}

func (s *Server) deviceConnected(id string) {
	s.mu.Lock()
	if _, ok := s.devices[id]; ok {
		s.mu.Unlock()
		return
	}
	s.devices[id] = struct{}{}
	s.mu.Unlock()

	s.fromRadio.reset()
	s.logger.Debug("central connected", "device", id)
	s.bridge.OnConnect(transportName)
}

func (s *Server) deviceDisconnected(id string) {
	s.mu.Lock()
	if _, ok := s.devices[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.devices, id)
	s.mu.Unlock()

	s.fromRadio.reset()
	s.logger.Debug("central disconnected", "device", id)
	s.bridge.OnDisconnect(transportName)
}

func encodeFromNum(value uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, value)

	return out
}
