//go:build !linux

package ble

import "context"

type gattApp struct{}

func startGATT(_ context.Context, _ *Server) (*gattApp, error) {
	return nil, ErrUnsupported
}

func (a *gattApp) notify(_ []byte) {}

func (a *gattApp) close() error {
	return nil
}
