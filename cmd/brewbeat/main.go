package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/brewbeat/internal/app"
	"github.com/chaz8081/brewbeat/internal/appliance"
	"github.com/chaz8081/brewbeat/internal/ble"
	"github.com/chaz8081/brewbeat/internal/button"
	"github.com/chaz8081/brewbeat/internal/config"
	"github.com/chaz8081/brewbeat/internal/connparam"
	"github.com/chaz8081/brewbeat/internal/indicator"
	"github.com/chaz8081/brewbeat/internal/measure"
	"github.com/chaz8081/brewbeat/internal/nvm"
	"github.com/chaz8081/brewbeat/internal/sensor"
	"github.com/chaz8081/brewbeat/internal/services"
	"github.com/chaz8081/brewbeat/internal/timer"
)

// batteryLowPercent triggers a level push to the connected peer.
const batteryLowPercent = 15

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/brewbeat/config.yaml)")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
		} else {
			log.Printf("Default config written to %s", path)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	bootID := uuid.New()
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})
	slog.SetDefault(slog.New(handler).With("boot", bootID.String()))

	printBanner(cfg, bootID)

	dev, err := openStore(cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	loop := timer.NewLoop(256)
	periph := ble.NewPeripheral(ble.NewTinyGoStack(), loop.Post, ble.Options{
		Name:             cfg.Device.Name,
		ServiceUUID:      cfg.Device.ServiceUUID,
		ControlPointUUID: cfg.Device.ControlPointUUID,
		ConfigUUID:       cfg.Device.ConfigUUID,
		FastInterval:     cfg.Advertising.FastInterval,
		SlowInterval:     cfg.Advertising.SlowInterval,
	})

	ind, closeIndicator := openIndicator(cfg.Indicator)

	var battery services.LevelReader = services.StaticLevel(100)
	if up, err := services.NewUPowerLevel(); err != nil {
		log.Printf("UPower unavailable (%v), reporting a full battery", err)
	} else {
		battery = up
	}

	fatal := make(chan app.PanicCode, 1)
	var m *app.Machine
	pins := appliance.NewSimPins(func(e appliance.Edge) {
		loop.Post(func() { m.HandleApplianceEdge(e) })
	})

	m = app.New(app.Deps{
		Store:      nvm.NewStore(dev),
		Controller: periph,
		Scheduler:  loop,
		Indicator:  ind,
		Battery:    battery,
		Pins:       pins,
		Fatal: func(code app.PanicCode, err error) {
			log.Printf("FATAL: %s: %v", code, err)
			select {
			case fatal <- code:
			default:
			}
		},
	}, machineOptions(cfg))
	if err := m.Init(); err != nil {
		log.Fatalf("Failed to initialise: %v", err)
	}
	log.Printf("Device name: %s", m.DeviceName())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(ctx) }()
	go periph.Register(m)

	if cfg.Sensor.Enabled {
		sim := sensor.NewSimulator(sensor.Options{BPM: cfg.Sensor.BPM, Jitter: cfg.Sensor.Jitter}, nil)
		go sim.Run(ctx, func(raw uint32) {
			loop.Post(func() { m.HandleSample(raw) })
		})
	}

	listener := button.NewListener(cfg.Button.Keys, cfg.Button.LongPress)
	go listener.Start()
	go func() {
		for ev := range listener.Presses() {
			switch ev.Kind {
			case button.PressShort:
				loop.Post(m.HandleShortPress)
			case button.PressLong:
				loop.Post(m.HandleLongPress)
			}
		}
	}()

	if w, err := ble.NewBlueZWatcher(); err != nil {
		log.Printf("BlueZ watcher unavailable (%v), links will not be marked secure", err)
	} else {
		go func() {
			if err := w.Run(ctx, periph); err != nil && ctx.Err() == nil {
				slog.Warn("[BLE] BlueZ watcher stopped", "error", err)
			}
		}()
	}

	go watchBattery(ctx, battery,
		func() { loop.Post(m.HandleBatteryPoll) },
		func() { loop.Post(m.HandleBatteryLow) })

	log.Printf("Ready! %s wakes the device, hold it %s to forget the pairing. Ctrl+C to quit.",
		strings.Join(cfg.Button.Keys, "+"), cfg.Button.LongPress)

	select {
	case <-ctx.Done():
		log.Println("Shutting down...")
		<-loopErr
		listener.Stop()
		closeIndicator()
		log.Println("Goodbye!")
		// Exit directly to avoid gohook's C cleanup crash.
		os.Exit(0)
	case code := <-fatal:
		stop()
		<-loopErr
		log.Printf("Halted on %s, exiting for restart", code)
		os.Exit(2)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

func openStore(sc config.StoreConfig) (nvm.Device, error) {
	if sc.Path == "" {
		log.Println("No store path configured, state is kept in memory")
		return nvm.NewMemDevice(sc.Words), nil
	}
	if err := os.MkdirAll(filepath.Dir(sc.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	return nvm.NewFileDevice(sc.Path, sc.Words), nil
}

func openIndicator(ic config.IndicatorConfig) (app.Indicator, func()) {
	if !ic.Enabled {
		return indicator.Log{}, func() {}
	}
	b, err := indicator.NewBuzzer(indicator.Options{
		SampleRate:  ic.SampleRate,
		FrequencyHz: ic.FrequencyHz,
		Sounds:      ic.Sounds,
	})
	if err != nil {
		log.Printf("Audio indicator unavailable (%v), logging signals instead", err)
		return indicator.Log{}, func() {}
	}
	return b, func() { b.Close() }
}

func machineOptions(cfg *config.Config) app.Options {
	opts := app.DefaultOptions()
	opts.DeviceName = cfg.Device.Name
	opts.FastAdvertTimeout = cfg.Advertising.FastTimeout
	opts.SlowAdvertTimeout = cfg.Advertising.SlowTimeout
	opts.BondedAdvertTimeout = cfg.Advertising.BondedTimeout
	opts.IdleTimeout = cfg.Connection.IdleTimeout
	opts.MeasurementPeriod = cfg.Measurement.Period
	opts.Measure = measure.Options{
		EnergyPeriod:    cfg.Measurement.EnergyPeriod,
		EnergyPerReport: uint16(cfg.Measurement.EnergyPerReport),
	}
	cc := cfg.Connection
	opts.ConnParam = connparam.Options{
		Delay:       cc.ParamUpdateDelay,
		MaxAttempts: cc.MaxParamUpdates,
		Preferred: connparam.Params{
			MinInterval:        time.Duration(cc.MinIntervalMs) * time.Millisecond,
			MaxInterval:        time.Duration(cc.MaxIntervalMs) * time.Millisecond,
			Latency:            uint16(cc.Latency),
			SupervisionTimeout: time.Duration(cc.SupervisionTimeoutMs) * time.Millisecond,
		},
	}
	opts.Appliance = appliance.Options{
		ShortCycle:   cfg.Appliance.ShortCycle,
		LongCycle:    cfg.Appliance.LongCycle,
		LevelSamples: cfg.Appliance.LevelSamples,
	}
	return opts
}

// watchBattery calls poll every tick and low once each time the level drops
// below batteryLowPercent.
func watchBattery(ctx context.Context, r services.LevelReader, poll, low func()) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	wasLow := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
			level, err := r.Level()
			if err != nil {
				continue
			}
			isLow := level < batteryLowPercent
			if isLow && !wasLow {
				low()
			}
			wasLow = isLow
		}
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, boot uuid.UUID) {
	fmt.Println("=== brewbeat ===")
	fmt.Printf("  Device:  %s (%s)\n", cfg.Device.Name, cfg.Device.ServiceUUID)
	store := cfg.Store.Path
	if store == "" {
		store = "memory"
	}
	fmt.Printf("  Store:   %s, %d words\n", store, cfg.Store.Words)
	fmt.Printf("  Adverts: fast %s, slow %s, bonded %s\n",
		cfg.Advertising.FastTimeout, cfg.Advertising.SlowTimeout, cfg.Advertising.BondedTimeout)
	fmt.Printf("  Button:  %s (long press %s)\n", strings.Join(cfg.Button.Keys, "+"), cfg.Button.LongPress)
	if cfg.Sensor.Enabled {
		fmt.Printf("  Sensor:  simulated %d±%d bpm\n", cfg.Sensor.BPM, cfg.Sensor.Jitter)
	}
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Printf("  Boot:    %s\n", boot)
	fmt.Println("================")
}
