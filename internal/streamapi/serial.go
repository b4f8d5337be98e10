package streamapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

const (
	defaultSerialReadTimeout = 300 * time.Millisecond
	serialReopenDelay        = 2 * time.Second
)

type openPortFunc func(name string, baud int) (io.ReadWriteCloser, error)

func openSerialPort(name string, baud int) (io.ReadWriteCloser, error) {
	if name == "" {
		return nil, errors.New("serial port is empty")
	}
	if baud <= 0 {
		return nil, fmt.Errorf("invalid serial baud rate: %d", baud)
	}

	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", name, err)
	}
	if err := port.SetReadTimeout(defaultSerialReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set serial read timeout: %w", err)
	}

	return port, nil
}

// ServeSerial exposes the stream API on a serial port, reopening it after
// failures until ctx is done.
func (s *Server) ServeSerial(ctx context.Context, portName string, baudRate int) error {
	return s.serveSerial(ctx, portName, baudRate, openSerialPort, serialReopenDelay)
}

func (s *Server) serveSerial(ctx context.Context, portName string, baudRate int, open openPortFunc, reopenDelay time.Duration) error {
	logger := s.logger.With("port", portName)
	for {
		port, err := open(portName, baudRate)
		if err != nil {
			logger.Warn("stream serial port unavailable", "error", err)
		} else {
			logger.Info("stream serial port opened", "baud", baudRate)
			err = s.Serve(ctx, "serial", port)
			_ = port.Close()
			if err != nil {
				logger.Warn("stream serial session ended", "error", err)
			}
		}

		if err := sleepWithContext(ctx, reopenDelay); err != nil {
			return nil
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
