package app

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/skobkin/simsnode/internal/ble"
	"github.com/skobkin/simsnode/internal/bridge"
	"github.com/skobkin/simsnode/internal/bus"
	"github.com/skobkin/simsnode/internal/config"
	"github.com/skobkin/simsnode/internal/connectors"
	"github.com/skobkin/simsnode/internal/display"
	"github.com/skobkin/simsnode/internal/domain"
	"github.com/skobkin/simsnode/internal/logging"
	"github.com/skobkin/simsnode/internal/mesh"
	"github.com/skobkin/simsnode/internal/persistence"
	"github.com/skobkin/simsnode/internal/platform"
	"github.com/skobkin/simsnode/internal/radio"
	"github.com/skobkin/simsnode/internal/statusapi"
	"github.com/skobkin/simsnode/internal/streamapi"
)

// maxRxPerTick bounds how many air packets one loop pass hands the bridge.
const maxRxPerTick = 4

// Options override what the config file says. Zero values keep the file.
type Options struct {
	DataDir    string
	ConfigFile string
	Mode       config.Mode
	LogLevel   string

	driver   radio.Driver
	deviceID domain.DeviceID
}

// Runtime owns every component of a running node. Exactly one of Bridge and
// Mesh is set, depending on the configured mode.
type Runtime struct {
	Paths     Paths
	Config    config.AppConfig
	DeviceID  domain.DeviceID
	BootCount uint32

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	Display    *display.Manager
	// Radio is nil when the radio never came up.
	Radio *radio.Transport

	Bridge *bridge.Bridge
	BLE    *ble.Server
	Stream *streamapi.Server

	Mesh     *mesh.Protocol
	DB       *sql.DB
	Messages *persistence.MessageRepo
	Writer   *persistence.WriterQueue

	// StatusAPI is nil when http_api.listen is empty.
	StatusAPI *statusapi.Server

	ctx         context.Context
	cancel      context.CancelFunc
	logger      *slog.Logger
	adapter     *bluetooth.Adapter
	radioLock   platform.RadioLock
	stopInbound func()
	rxBuf       [radio.MaxPacketSize]byte
	wg          sync.WaitGroup
	closeOnce   sync.Once
	closeErr    error

	// radioStats is refreshed by the main loop for readers on other goroutines.
	radioStats atomic.Pointer[radio.Stats]
}

func Initialize(parent context.Context, opts Options) (*Runtime, error) {
	paths, err := ResolvePaths(opts.DataDir)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.ConfigFile) != "" {
		paths.ConfigFile = strings.TrimSpace(opts.ConfigFile)
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.Mode != "" {
		cfg.Mode = opts.Mode
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", paths.ConfigFile, err)
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	rt.logger = logMgr.Logger("runtime")
	rt.logger.Info("starting node", "version", BuildVersionWithDate(), "mode", cfg.Mode, "driver", cfg.Radio.Driver)

	rt.Bus = bus.New(logMgr.Logger("bus"))
	rt.Display = display.New(logMgr.Logger("display"), rt.Bus)
	rt.Display.Start(ctx)

	bootCount, err := NextBootCount(paths.BootCountFile)
	if err != nil {
		rt.logger.Warn("persist boot count", "error", err)
	}
	rt.BootCount = bootCount

	if opts.deviceID != 0 {
		rt.DeviceID = opts.deviceID
	} else {
		rt.DeviceID, rt.adapter = resolveDeviceID(logMgr.Logger("node"), cfg.Bluetooth)
	}

	rt.startRadio(ctx, opts.driver)

	switch cfg.Mode {
	case config.ModeNative:
		err = rt.setupNative(ctx)
	default:
		err = rt.setupBridge()
	}
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.setupStatusAPI()

	return rt, nil
}

// startRadio brings the radio up with retries. Failure is shown on the
// display and the node keeps running without a radio.
func (r *Runtime) startRadio(ctx context.Context, driver radio.Driver) {
	logger := r.LogManager.Logger("radio")
	driverName := string(r.Config.Radio.Driver)
	fail := func(err error) {
		logger.Error("radio unavailable, continuing without it", "driver", driverName, "error", err)
		r.Display.SetRadioStatus(connectors.RadioStateUnavailable, driverName, err)
	}

	params, err := radioParams(r.Config)
	if err != nil {
		fail(err)
		return
	}
	if driver == nil {
		if device := radioDevice(r.Config.Radio); device != "" {
			lock, err := platform.AcquireRadioLock(device)
			switch {
			case err == nil:
				r.radioLock = lock
			case errors.Is(err, platform.ErrLockUnsupported):
				logger.Warn("radio lock unavailable on this platform", "device", device)
			default:
				fail(err)
				return
			}
		}
		driver, err = openRadioDriver(logger, r.Config.Radio)
		if err != nil {
			fail(err)
			return
		}
	}
	driverName = driver.Name()

	t := radio.NewTransport(logger, driver, params)
	if err := radio.BeginWithRetry(ctx, logger, t, RadioBeginAttempts, RadioBeginBackoff); err != nil {
		_ = driver.Close()
		fail(err)
		return
	}
	r.Radio = t
	r.Display.SetRadioStatus(connectors.RadioStateReady, driverName, nil)
}

func (r *Runtime) setupBridge() error {
	channels, err := domain.ChannelTable(r.Config.Channels.SecondaryName, r.Config.Channels.SecondaryKey)
	if err != nil {
		return fmt.Errorf("build channel table: %w", err)
	}

	// A nil *radio.Transport must not become a non-nil interface.
	var link bridge.Radio
	if r.Radio != nil {
		link = r.Radio
	}
	br, err := bridge.New(r.LogManager.Logger("bridge"), r.Bus, bridge.Config{
		NodeNum:     r.DeviceID,
		LongName:    r.Config.Node.LongName,
		ShortName:   r.Config.Node.ShortName,
		RebootCount: r.BootCount,
		Channels:    channels,
	}, link, r.Display)
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	r.Bridge = br

	r.Stream = streamapi.NewServer(r.LogManager.Logger("streamapi"), br)
	br.AddNotifier(r.Stream)

	if r.Config.Bluetooth.Enabled {
		name := r.Config.Bluetooth.Name
		if strings.TrimSpace(name) == "" {
			name = r.Config.Node.LongName
		}
		r.BLE = ble.NewServer(r.LogManager.Logger("ble"), br, ble.Options{
			AdapterID: r.Config.Bluetooth.Adapter,
			LocalName: name,
			Adapter:   r.adapter,
		})
		br.AddNotifier(r.BLE)
	}

	return nil
}

func (r *Runtime) setupNative(ctx context.Context) error {
	opts := []mesh.Option{mesh.WithDisplay(r.Display)}
	if s := r.Config.Mesh.HeartbeatSeconds; s > 0 {
		opts = append(opts, mesh.WithHeartbeatInterval(time.Duration(s)*time.Second))
	}

	if r.Config.Storage.Enabled {
		store, err := r.openStorage(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, mesh.WithStorage(store))
	}

	p := mesh.New(r.LogManager.Logger("mesh"), r.Bus, opts...)
	p.SetDeviceID(r.DeviceID)
	if r.Radio != nil {
		if err := p.Begin(r.Radio); err != nil {
			return fmt.Errorf("attach radio to mesh: %w", err)
		}
	}
	r.Mesh = p

	return nil
}

func (r *Runtime) openStorage(ctx context.Context) (*persistence.MessageStore, error) {
	db, err := persistence.Open(ctx, r.Paths.DBFile)
	if err != nil {
		return nil, err
	}
	r.DB = db
	r.Messages = persistence.NewMessageRepo(db)

	logger := r.LogManager.Logger("persistence")
	r.Writer = persistence.NewWriterQueue(logger, writerQueueSize)
	// Close drains the writer before the database closes, so it must not
	// stop with the runtime context.
	r.Writer.Start(context.WithoutCancel(ctx))

	store := persistence.NewMessageStore(logger, r.Messages, r.Writer)
	r.stopInbound = store.RecordInbound(ctx, r.Bus)
	r.schedulePrune()

	return store, nil
}

// schedulePrune queues a retention pass on the writer so it never races
// message writes.
func (r *Runtime) schedulePrune() {
	days := r.Config.Storage.RetentionDays
	if days <= 0 || r.Writer == nil {
		return
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	logger := r.LogManager.Logger("persistence")
	r.Writer.Enqueue("prune_messages", func(ctx context.Context) error {
		n, err := persistence.PruneBefore(ctx, r.DB, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("pruned old messages", "count", n, "cutoff", cutoff)
		}
		return nil
	})
}

func (r *Runtime) setupStatusAPI() {
	if strings.TrimSpace(r.Config.HTTPAPI.Listen) == "" {
		return
	}

	deps := statusapi.Deps{
		Node: statusapi.Node{
			DeviceID:  r.DeviceID,
			Mode:      string(r.Config.Mode),
			Version:   BuildVersionWithDate(),
			BootCount: r.BootCount,
		},
		Display: r.Display,
		Radio:   r.RadioStats,
	}
	if r.Bridge != nil {
		deps.Bridge = r.Bridge
	}
	if r.Mesh != nil {
		deps.Mesh = r.Mesh
	}
	if r.Messages != nil {
		deps.Messages = r.Messages
	}
	r.StatusAPI = statusapi.New(r.LogManager.Logger("statusapi"), deps)
}

// RadioStats returns the counters as of the last loop pass. It is false while
// the radio is down.
func (r *Runtime) RadioStats() (radio.Stats, bool) {
	st := r.radioStats.Load()
	if st == nil {
		return radio.Stats{}, false
	}

	return *st, true
}

// Run starts the client front-ends and drives the main loop until ctx is
// done.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	r.startFrontends(ctx)

	notifier := newServiceNotifier(r.logger)
	notifier.Ready()
	defer notifier.Stopping()

	ticker := time.NewTicker(LoopInterval)
	defer ticker.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()
	var watchdog <-chan time.Time
	if d := notifier.WatchdogInterval(); d > 0 {
		wd := time.NewTicker(d)
		defer wd.Stop()
		watchdog = wd.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-prune.C:
			r.schedulePrune()
		case <-watchdog:
			notifier.Ping()
		case <-ticker.C:
			r.step()
		}
	}
}

func (r *Runtime) startFrontends(ctx context.Context) {
	if r.StatusAPI != nil {
		addr := strings.TrimSpace(r.Config.HTTPAPI.Listen)
		r.goFrontend("http", func() error { return r.StatusAPI.Serve(ctx, addr) })
	}
	if r.Bridge == nil {
		return
	}

	if r.BLE != nil {
		if err := r.BLE.Start(ctx); err != nil {
			if errors.Is(err, ble.ErrUnsupported) {
				r.logger.Info("ble peripheral not supported on this platform")
			} else {
				r.logger.Error("start ble peripheral", "error", err)
			}
		}
	}

	api := r.Config.StreamAPI
	if addr := strings.TrimSpace(api.TCPListen); addr != "" {
		r.goFrontend("tcp", func() error { return r.Stream.ListenTCP(ctx, addr) })
	}
	if port := strings.TrimSpace(api.SerialPort); port != "" {
		r.goFrontend("serial", func() error { return r.Stream.ServeSerial(ctx, port, api.SerialBaud) })
	}
}

func (r *Runtime) goFrontend(name string, run func() error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := run(); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("front-end stopped", "frontend", name, "error", err)
		}
	}()
}

// step is one main loop pass. It is the only place the radio is touched.
func (r *Runtime) step() {
	switch {
	case r.Bridge != nil:
		r.pumpRadio()
		r.Bridge.Poll()
	case r.Mesh != nil:
		r.Mesh.Update()
		r.drainInbox()
	}
	if r.Radio != nil {
		st := r.Radio.Stats()
		r.radioStats.Store(&st)
	}
	r.Display.Tick()
}

func (r *Runtime) pumpRadio() {
	if r.Radio == nil {
		return
	}
	for i := 0; i < maxRxPerTick && r.Radio.Available(); i++ {
		n, err := r.Radio.Receive(r.rxBuf[:])
		if err != nil && !errors.Is(err, radio.ErrNoPacket) {
			r.logger.Debug("radio receive failed", "len", n, "error", err)
		}
		// A packet read before a failed rearm is still valid.
		if n == 0 {
			continue
		}
		packet := r.rxBuf[:n]
		r.Bus.Publish(connectors.TopicRadioRx, connectors.RawFrame{
			Hex:  strings.ToUpper(hex.EncodeToString(packet)),
			Len:  n,
			RSSI: r.Radio.RSSI(),
			SNR:  r.Radio.SNR(),
		})
		r.Bridge.HandleRadioPacket(packet)
	}
}

// drainInbox consumes delivered messages. Subscribers on the bus already saw
// them; here they are only logged.
func (r *Runtime) drainInbox() {
	for r.Mesh.HasMessage() {
		msg, ok := r.Mesh.ReceiveMessage()
		if !ok {
			return
		}
		r.logger.Info("mesh message",
			"from", msg.Source.String(),
			"type", msg.Type.String(),
			"sequence", msg.Sequence,
			"hops", msg.HopCount,
			"len", len(msg.Payload),
			"rssi", msg.RSSI,
		)
	}
}

// Close stops every component. Queued storage writes finish before the
// database closes. Later calls return the first result.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() { r.closeErr = r.close() })
	return r.closeErr
}

func (r *Runtime) close() error {
	if r.cancel != nil {
		r.cancel()
	}
	var errs []error
	if r.BLE != nil {
		if err := r.BLE.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.wg.Wait()
	if r.Radio != nil {
		if err := r.Radio.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close radio: %w", err))
		}
	}
	if r.radioLock != nil {
		if err := r.radioLock.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release radio lock: %w", err))
		}
	}
	if r.stopInbound != nil {
		r.stopInbound()
	}
	if r.Writer != nil {
		r.Writer.Close()
	}
	if r.DB != nil {
		if err := r.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.LogManager != nil {
		_ = r.LogManager.Close()
	}

	return errors.Join(errs...)
}
