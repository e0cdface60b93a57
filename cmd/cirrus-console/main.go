// Command cirrus-console is an interactive console for a Cirrus device session.
//
// The console connects a single device identity to the Cirrus MQTT bridge
// and exposes the session over a readline prompt: connect, disconnect,
// publish telemetry and state, flip the endpoint or announcement settings,
// and inspect token expiry, all while the reconnect loop runs in the
// background.
//
// Usage:
//
//	cirrus-console [flags]
//
// Flags:
//
//	-tenant string      Tenant name (required)
//	-region string      Cloud region (required)
//	-fleet string       Fleet name (required)
//	-device string      Device identifier (required)
//	-key string         Path to the device private key PEM (required)
//	-ttl duration       Token lifetime (default 1h)
//	-lts                Use the long-term-support endpoint
//	-insecure           Skip TLS certificate verification
//	-announce           Publish connect announcements after connecting
//	-capture string     Write a protocol capture to this .clog file
//	-tick duration      Session maintenance interval (default 250ms)
//	-log-level string   Log level: debug, info, warn, error (default "warn")
//
// Examples:
//
//	# Open a console for a device
//	cirrus-console -tenant acme -region europe-west1 -fleet boilers \
//	    -device boiler-7 -key boiler-7.pem
//
//	# Capture the protocol exchange for later analysis with cirrus-log
//	cirrus-console -tenant acme -region europe-west1 -fleet boilers \
//	    -device boiler-7 -key boiler-7.pem -capture session.clog
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

	"github.com/cirrus-iot/cirrus-go/cmd/cirrus-console/interactive"
	"github.com/cirrus-iot/cirrus-go/pkg/device"
	clog "github.com/cirrus-iot/cirrus-go/pkg/log"
	"github.com/cirrus-iot/cirrus-go/pkg/mqtt"
	"github.com/cirrus-iot/cirrus-go/pkg/session"
)

// Config holds the console configuration.
type Config struct {
	Tenant   string
	Region   string
	Fleet    string
	DeviceID string
	KeyPath  string
	TokenTTL time.Duration

	UseLTS   bool
	Insecure bool
	Announce bool
	Capture  string
	Tick     time.Duration
	LogLevel string
}

var config Config

func init() {
	flag.StringVar(&config.Tenant, "tenant", "", "Tenant name (required)")
	flag.StringVar(&config.Region, "region", "", "Cloud region (required)")
	flag.StringVar(&config.Fleet, "fleet", "", "Fleet name (required)")
	flag.StringVar(&config.DeviceID, "device", "", "Device identifier (required)")
	flag.StringVar(&config.KeyPath, "key", "", "Path to the device private key PEM (required)")
	flag.DurationVar(&config.TokenTTL, "ttl", device.DefaultTokenTTL, "Token lifetime")

	flag.BoolVar(&config.UseLTS, "lts", false, "Use the long-term-support endpoint")
	flag.BoolVar(&config.Insecure, "insecure", false, "Skip TLS certificate verification")
	flag.BoolVar(&config.Announce, "announce", false, "Publish connect announcements after connecting")
	flag.StringVar(&config.Capture, "capture", "", "Write a protocol capture to this .clog file")
	flag.DurationVar(&config.Tick, "tick", 250*time.Millisecond, "Session maintenance interval")
	flag.StringVar(&config.LogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()

	logger := setupLogging(config.LogLevel)

	log.Println("Cirrus Device Console")
	log.Println("=====================")

	if err := validateConfig(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	dev, err := device.New(device.Config{
		Tenant:         config.Tenant,
		Region:         config.Region,
		Fleet:          config.Fleet,
		DeviceID:       config.DeviceID,
		PrivateKeyPath: config.KeyPath,
		TokenTTL:       config.TokenTTL,
	})
	if err != nil {
		log.Fatalf("Failed to load device identity: %v", err)
	}

	log.Printf("Device: %s", dev.ClientID())
	log.Printf("Endpoint: %s", mqtt.DefaultEndpoint(config.UseLTS).Addr())

	var capture clog.Logger = clog.NoopLogger{}
	if config.Capture != "" {
		fileLogger, err := clog.NewFileLogger(config.Capture)
		if err != nil {
			log.Fatalf("Failed to open capture file: %v", err)
		}
		defer fileLogger.Close()
		capture = fileLogger
		log.Printf("Capturing protocol events to %s", config.Capture)
	}

	sessCfg := session.DefaultConfig()
	sessCfg.UseLTSEndpoint = config.UseLTS
	sessCfg.Insecure = config.Insecure
	sessCfg.LogConnectEvents = config.Announce
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

	con, err := interactive.New(sess, dev)
	if err != nil {
		log.Fatalf("Failed to create console: %v", err)
	}

	// Redirect log output through readline to avoid interfering with input
	log.SetOutput(con.Stdout())

	sess.OnConfig(func(topic string, payload []byte) {
		fmt.Fprintf(con.Stdout(), "[CONFIG] %d bytes on %s\n", len(payload), topic)
	})
	sess.OnCommand(func(topic string, payload []byte) {
		fmt.Fprintf(con.Stdout(), "[COMMAND] %s: %s\n", topic, payload)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := sess.Run(ctx, config.Tick); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(con.Stdout(), "Session loop error: %v\n", err)
			cancel()
		}
	}()

	go con.Run(ctx, cancel)

	// Wait for shutdown signal or context cancellation
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case <-ctx.Done():
		// Context was cancelled (e.g., by the quit command)
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
		log.SetFlags(log.Ltime | log.Lmicroseconds | log.Lshortfile)
		lvl = slog.LevelDebug
	case "warn", "error":
		log.SetFlags(log.Ltime)
		lvl = slog.LevelWarn
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func validateConfig() error {
	if config.Tenant == "" {
		return fmt.Errorf("-tenant is required")
	}
	if config.Region == "" {
		return fmt.Errorf("-region is required")
	}
	if config.Fleet == "" {
		return fmt.Errorf("-fleet is required")
	}
	if config.DeviceID == "" {
		return fmt.Errorf("-device is required")
	}
	if config.KeyPath == "" {
		return fmt.Errorf("-key is required")
	}
	if config.Tick <= 0 {
		return fmt.Errorf("-tick must be positive")
	}
	return nil
}
