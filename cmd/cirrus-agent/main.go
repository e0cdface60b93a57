// Command cirrus-agent is a headless reference agent for the Cirrus device
// platform.
//
// The agent maintains a resilient broker session for one device: it mints
// credentials from the local private key, connects, subscribes to the
// configuration and command topics, and reconnects with backoff when the
// link drops. Optionally it publishes synthetic telemetry for soak testing.
//
// Usage:
//
//	cirrus-agent [flags]
//
// Flags:
//
//	-config string        Configuration file path (YAML)
//	-capture string       Write session event capture to this .clog file
//	-metrics-addr string  Serve Prometheus metrics on this address
//	-log-level string     Log level: debug, info, warn, error
//	-simulate             Publish synthetic telemetry
//	-telemetry duration   Synthetic telemetry interval (default 5s)
//	-tick duration        Session tick interval override
//
// Configuration file and CIRRUS_* environment variables cover the device
// identity; flags cover the operational knobs. Example configuration:
//
//	tenant: acme
//	region: europe-west1
//	fleet: boilers
//	device_id: boiler-7
//	private_key: /etc/cirrus/boiler-7.pem
//	token_ttl_minutes: 60
//	announce: true
//	capture: /var/log/cirrus/boiler-7.clog
//
// Examples:
//
//	# Run with a config file and event capture
//	cirrus-agent -config /etc/cirrus/agent.yaml -capture session.clog
//
//	# Soak test against the LTS endpoint with synthetic telemetry
//	CIRRUS_USE_LTS=1 cirrus-agent -config agent.yaml -simulate -telemetry 2s
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cirrus-iot/cirrus-go/pkg/device"
	clog "github.com/cirrus-iot/cirrus-go/pkg/log"
	"github.com/cirrus-iot/cirrus-go/pkg/metrics"
	"github.com/cirrus-iot/cirrus-go/pkg/mqtt"
	"github.com/cirrus-iot/cirrus-go/pkg/session"
)

var (
	configPath        string
	capturePath       string
	metricsAddr       string
	logLevel          string
	simulate          bool
	telemetryInterval time.Duration
	tickOverride      time.Duration
)

func init() {
	flag.StringVar(&configPath, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&capturePath, "capture", "", "Write session event capture to this .clog file")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&simulate, "simulate", false, "Publish synthetic telemetry")
	flag.DurationVar(&telemetryInterval, "telemetry", 5*time.Second, "Synthetic telemetry interval")
	flag.DurationVar(&tickOverride, "tick", 0, "Session tick interval (overrides tick_interval_ms)")
}

func main() {
	flag.Parse()

	cfg, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags win over file and environment
	if capturePath != "" {
		cfg.Capture = capturePath
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := setupLogging(cfg.LogLevel)

	tickInterval := cfg.TickInterval()
	if tickOverride > 0 {
		tickInterval = tickOverride
	}

	dev, err := device.New(device.Config{
		Tenant:         cfg.Tenant,
		Region:         cfg.Region,
		Fleet:          cfg.Fleet,
		DeviceID:       cfg.DeviceID,
		PrivateKeyPath: cfg.PrivateKey,
		TokenTTL:       cfg.TokenTTL(),
	})
	if err != nil {
		log.Fatalf("Failed to load device identity: %v", err)
	}

	log.Println("Cirrus Reference Agent")
	log.Println("======================")
	log.Printf("Device:   %s", dev.ClientID())
	log.Printf("Endpoint: %s", mqtt.DefaultEndpoint(cfg.UseLTSEndpoint).Addr())
	log.Printf("Tick:     %s", tickInterval)

	// Session event capture
	var capture clog.Logger = clog.NoopLogger{}
	if cfg.Capture != "" {
		fileLogger, err := clog.NewFileLogger(cfg.Capture)
		if err != nil {
			log.Fatalf("Failed to create capture file: %v", err)
		}
		defer fileLogger.Close()
		capture = fileLogger
		log.Printf("Capture:  %s", cfg.Capture)
	}
	if cfg.LogLevel == "debug" {
		capture = clog.NewMultiLogger(capture, clog.NewSlogAdapter(logger))
	}

	sessCfg := session.DefaultConfig()
	sessCfg.UseLTSEndpoint = cfg.UseLTSEndpoint
	sessCfg.Insecure = cfg.Insecure
	sessCfg.LogConnectEvents = cfg.Announce
	sessCfg.Logger = logger
	sessCfg.ProtocolLogger = capture

	sess, err := session.New(dev, sessCfg)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	if err := sess.Setup(); err != nil {
		log.Fatalf("Failed to set up session: %v", err)
	}
	defer sess.Cleanup()

	sess.OnConfig(func(topic string, payload []byte) {
		log.Printf("[CONFIG] %d bytes on %s", len(payload), topic)
	})
	sess.OnCommand(func(topic string, payload []byte) {
		log.Printf("[COMMAND] %s: %s", topic, payload)
	})

	if cfg.MetricsAddr != "" {
		go metrics.Serve(cfg.MetricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Connect(ctx); err != nil {
		log.Printf("Initial connect failed: %v (retrying with backoff)", err)
	}

	if simulate {
		go runTelemetry(ctx, sess, telemetryInterval)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx, tickInterval) }()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Session loop ended: %v", err)
		}
	}

	log.Println("Shutting down...")
	cancel()
	sess.Disconnect()

	log.Println("Goodbye!")
}

func setupLogging(level string) *slog.Logger {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
		log.SetFlags(log.Ltime | log.Lmicroseconds | log.Lshortfile)
	case "warn":
		lvl = slog.LevelWarn
		log.SetFlags(log.Ltime)
	case "error":
		lvl = slog.LevelError
		log.SetFlags(log.Ltime)
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runTelemetry(ctx context.Context, sess *session.Session, interval time.Duration) {
	log.Println("Simulation mode enabled")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !sess.Connected() {
				continue
			}
			seq++
			temp := 18.0 + float64(seq%8)
			payload := fmt.Sprintf(`{"sequence":%d,"temperature":%.1f}`, seq, temp)
			if err := sess.PublishTelemetrySub("/temperature", []byte(payload)); err != nil {
				log.Printf("[SIM] Publish failed: %v", err)
				continue
			}
			log.Printf("[SIM] Published sample %d (%.1f C)", seq, temp)
		}
	}
}
