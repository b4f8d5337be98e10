//go:build linux

package ble

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
)

// tinygo's Linux GATT server cannot compute read values on demand, which
// FromRadio needs, so the service is registered with BlueZ directly.

const (
	bluezBusName       = "org.bluez"
	gattManagerIface   = "org.bluez.GattManager1"
	gattServiceIface   = "org.bluez.GattService1"
	gattCharIface      = "org.bluez.GattCharacteristic1"
	deviceIface        = "org.bluez.Device1"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
	propertiesIface    = "org.freedesktop.DBus.Properties"

	appPath       dbus.ObjectPath = "/com/github/skobkin/simsnode"
	servicePath   dbus.ObjectPath = appPath + "/service0"
	toRadioPath   dbus.ObjectPath = servicePath + "/char0"
	fromRadioPath dbus.ObjectPath = servicePath + "/char1"
	fromNumPath   dbus.ObjectPath = servicePath + "/char2"

	errNotPermitted = "org.bluez.Error.NotPermitted"
	errInvalidArgs  = "org.bluez.Error.InvalidArguments"
)

type charKind int

const (
	charToRadio charKind = iota
	charFromRadio
	charFromNum
)

type gattApp struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	props       map[dbus.ObjectPath]*prop.Properties
	ifaces      map[dbus.ObjectPath]string
	signals     chan *dbus.Signal
	notifying   atomic.Bool
}

func startGATT(ctx context.Context, s *Server) (*gattApp, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	app := &gattApp{
		conn:        conn,
		adapterPath: adapterObjectPath(s.opts.AdapterID),
		props:       make(map[dbus.ObjectPath]*prop.Properties),
		ifaces:      make(map[dbus.ObjectPath]string),
	}
	if err := app.export(s); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := app.watchDevices(ctx, s); err != nil {
		_ = conn.Close()
		return nil, err
	}

	call := conn.Object(bluezBusName, app.adapterPath).Call(gattManagerIface+".RegisterApplication", 0, appPath, map[string]dbus.Variant{})
	if call.Err != nil && !IsAlreadyRegisteredError(call.Err) {
		_ = conn.Close()
		return nil, call.Err
	}

	return app, nil
}

func (a *gattApp) export(s *Server) error {
	if err := a.conn.Export(objectManager{app: a}, appPath, objectManagerIface); err != nil {
		return fmt.Errorf("export object manager: %w", err)
	}

	serviceProps := prop.Map{
		gattServiceIface: {
			"UUID":    {Value: MeshtasticServiceUUID().String(), Emit: prop.EmitFalse},
			"Primary": {Value: true, Emit: prop.EmitFalse},
		},
	}
	if err := a.exportProps(servicePath, gattServiceIface, serviceProps); err != nil {
		return err
	}

	chars := []struct {
		path  dbus.ObjectPath
		kind  charKind
		uuid  string
		flags []string
	}{
		{path: toRadioPath, kind: charToRadio, uuid: MeshtasticToRadioUUID().String(), flags: []string{"write", "write-without-response"}},
		{path: fromRadioPath, kind: charFromRadio, uuid: MeshtasticFromRadioUUID().String(), flags: []string{"read"}},
		{path: fromNumPath, kind: charFromNum, uuid: MeshtasticFromNumUUID().String(), flags: []string{"read", "notify"}},
	}
	for _, c := range chars {
		handler := &characteristic{server: s, app: a, kind: c.kind}
		if err := a.conn.Export(handler, c.path, gattCharIface); err != nil {
			return fmt.Errorf("export characteristic %s: %w", c.uuid, err)
		}

		props := map[string]*prop.Prop{
			"UUID":    {Value: c.uuid, Emit: prop.EmitFalse},
			"Service": {Value: servicePath, Emit: prop.EmitFalse},
			"Flags":   {Value: c.flags, Emit: prop.EmitFalse},
		}
		if c.kind == charFromNum {
			props["Value"] = &prop.Prop{Value: s.readFromNum(), Emit: prop.EmitTrue}
			props["Notifying"] = &prop.Prop{Value: false, Emit: prop.EmitTrue}
		}
		if err := a.exportProps(c.path, gattCharIface, prop.Map{gattCharIface: props}); err != nil {
			return err
		}
	}

	return nil
}

func (a *gattApp) exportProps(path dbus.ObjectPath, iface string, m prop.Map) error {
	props, err := prop.Export(a.conn, path, m)
	if err != nil {
		return fmt.Errorf("export properties for %s: %w", path, err)
	}
	a.props[path] = props
	a.ifaces[path] = iface

	return nil
}

// watchDevices follows Device1.Connected under our adapter. BlueZ has no
// per-application connect callback.
func (a *gattApp) watchDevices(ctx context.Context, s *Server) error {
	rule := fmt.Sprintf("type='signal',sender='%s',interface='%s',member='PropertiesChanged',arg0='%s'", bluezBusName, propertiesIface, deviceIface)
	if call := a.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
		return fmt.Errorf("subscribe to device signals: %w", call.Err)
	}

	a.signals = make(chan *dbus.Signal, 64)
	a.conn.Signal(a.signals)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-a.signals:
				if !ok {
					return
				}
				a.handleSignal(s, sig)
			}
		}
	}()

	return nil
}

func (a *gattApp) handleSignal(s *Server, sig *dbus.Signal) {
	if sig == nil || sig.Name != propertiesIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return
	}
	if !strings.HasPrefix(string(sig.Path), string(a.adapterPath)+"/") {
		return
	}
	if iface, _ := sig.Body[0].(string); iface != deviceIface {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	v, ok := changed["Connected"]
	if !ok {
		return
	}
	connected, ok := v.Value().(bool)
	if !ok {
		return
	}

	if connected {
		s.deviceConnected(string(sig.Path))
	} else {
		s.deviceDisconnected(string(sig.Path))
	}
}

func (a *gattApp) notify(value []byte) {
	props := a.props[fromNumPath]
	if props == nil {
		return
	}
	// Setting Value emits PropertiesChanged, which BlueZ turns into a
	// notification for subscribed centrals.
	props.SetMust(gattCharIface, "Value", value)
}

func (a *gattApp) close() error {
	call := a.conn.Object(bluezBusName, a.adapterPath).Call(gattManagerIface+".UnregisterApplication", 0, appPath)
	if a.signals != nil {
		a.conn.RemoveSignal(a.signals)
	}
	closeErr := a.conn.Close()
	if call.Err != nil && !IsDBusErrorName(call.Err, "org.bluez.Error.DoesNotExist") {
		return call.Err
	}

	return closeErr
}

type objectManager struct {
	app *gattApp
}

func (o objectManager) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	out := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant, len(o.app.props))
	for path, props := range o.app.props {
		iface := o.app.ifaces[path]
		values, err := props.GetAll(iface)
		if err != nil {
			return nil, err
		}
		out[path] = map[string]map[string]dbus.Variant{iface: values}
	}

	return out, nil
}

type characteristic struct {
	server *Server
	app    *gattApp
	kind   charKind
}

func (c *characteristic) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	offset, derr := readOffset(options)
	if derr != nil {
		return nil, derr
	}

	switch c.kind {
	case charFromRadio:
		return c.server.readFromRadio(offset), nil
	case charFromNum:
		value := c.server.readFromNum()
		if offset >= len(value) {
			return []byte{}, nil
		}
		return value[offset:], nil
	default:
		return nil, dbus.NewError(errNotPermitted, []interface{}{"read not permitted"})
	}
}

func (c *characteristic) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	if c.kind != charToRadio {
		return dbus.NewError(errNotPermitted, []interface{}{"write not permitted"})
	}
	offset, derr := readOffset(options)
	if derr != nil {
		return derr
	}
	if offset != 0 {
		return dbus.NewError(errInvalidArgs, []interface{}{"partial writes are not supported"})
	}
	c.server.handleToRadio(append([]byte(nil), value...))

	return nil
}

func (c *characteristic) StartNotify() *dbus.Error {
	if c.kind != charFromNum {
		return dbus.NewError(errNotPermitted, []interface{}{"notify not supported"})
	}
	if c.app.notifying.CompareAndSwap(false, true) {
		c.app.props[fromNumPath].SetMust(gattCharIface, "Notifying", true)
	}

	return nil
}

func (c *characteristic) StopNotify() *dbus.Error {
	if c.kind != charFromNum {
		return dbus.NewError(errNotPermitted, []interface{}{"notify not supported"})
	}
	if c.app.notifying.CompareAndSwap(true, false) {
		c.app.props[fromNumPath].SetMust(gattCharIface, "Notifying", false)
	}

	return nil
}

func readOffset(options map[string]dbus.Variant) (int, *dbus.Error) {
	v, ok := options["offset"]
	if !ok {
		return 0, nil
	}
	switch off := v.Value().(type) {
	case uint16:
		return int(off), nil
	case uint32:
		return int(off), nil
	default:
		return 0, dbus.NewError(errInvalidArgs, []interface{}{"offset must be an unsigned integer"})
	}
}
