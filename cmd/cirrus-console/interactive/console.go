// Package interactive provides the interactive command-line interface
// for the Cirrus console.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/cirrus-iot/cirrus-go/pkg/device"
	"github.com/cirrus-iot/cirrus-go/pkg/mqtt"
	"github.com/cirrus-iot/cirrus-go/pkg/session"
)

// Console handles interactive mode for cirrus-console.
type Console struct {
	sess *session.Session
	dev  *device.Device
	rl   *readline.Instance
}

// New creates a new interactive console handler.
func New(sess *session.Session, dev *device.Device) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "cirrus> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &Console{
		sess: sess,
		dev:  dev,
		rl:   rl,
	}, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for asynchronous output to avoid interfering with the prompt.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run starts the interactive command loop.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()

		case "connect", "c":
			c.cmdConnect(ctx)

		case "disconnect", "d":
			c.cmdDisconnect()

		case "status", "s":
			c.cmdStatus()

		case "publish", "pub":
			c.cmdPublish(args)

		case "publish-sub", "pubsub":
			c.cmdPublishSub(args)

		case "state":
			c.cmdState(args)

		case "lts":
			c.cmdLTS(args)

		case "announce":
			c.cmdAnnounce(args)

		case "token", "t":
			c.cmdToken(args)

		case "quit", "exit", "q":
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(c.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.rl.Stdout(), `
Cirrus Console Commands:
  Connection:
    connect            - Connect to the broker (enables auto-reconnect)
    disconnect         - Disconnect and disable auto-reconnect
    status             - Show session status

  Publishing:
    publish <payload>            - Publish telemetry to the events topic
    publish-sub <sub> <payload>  - Publish telemetry to events + subtopic
                                   (subtopic is appended verbatim; include
                                   the leading /)
    state <payload>              - Publish a state update

  Settings:
    lts on|off         - Use the long-term-support endpoint (next connect)
    announce on|off    - Publish connect announcements after connecting
    token              - Show credential expiry
    token refresh      - Mint a fresh credential (used on next connect)

  General:
    help               - Show this help
    quit               - Exit console`)
}

// cmdConnect handles the connect command.
func (c *Console) cmdConnect(ctx context.Context) {
	fmt.Fprintf(c.rl.Stdout(), "Connecting to %s...\n", mqtt.DefaultEndpoint(c.sess.UseLTSEndpoint()).Addr())
	if err := c.sess.Connect(ctx); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Connect failed: %v\n", err)
		if remaining := c.sess.BackoffRemaining(); remaining > 0 {
			fmt.Fprintf(c.rl.Stdout(), "Auto-reconnect in %s\n", remaining.Round(time.Millisecond))
		}
		return
	}
	fmt.Fprintln(c.rl.Stdout(), "Connected")
}

// cmdDisconnect handles the disconnect command.
func (c *Console) cmdDisconnect() {
	c.sess.Disconnect()
	fmt.Fprintln(c.rl.Stdout(), "Disconnected")
}

// cmdStatus shows the session status.
func (c *Console) cmdStatus() {
	fmt.Fprintln(c.rl.Stdout(), "\nSession Status")
	fmt.Fprintln(c.rl.Stdout(), "-------------------------------------------")
	fmt.Fprintf(c.rl.Stdout(), "  Device:         %s\n", c.dev.DeviceID())
	fmt.Fprintf(c.rl.Stdout(), "  Client ID:      %s\n", c.dev.ClientID())
	fmt.Fprintf(c.rl.Stdout(), "  Endpoint:       %s\n", mqtt.DefaultEndpoint(c.sess.UseLTSEndpoint()).Addr())
	fmt.Fprintf(c.rl.Stdout(), "  State:          %s\n", c.sess.State())
	fmt.Fprintf(c.rl.Stdout(), "  Auto-reconnect: %t\n", c.sess.AutoReconnect())

	if connID := c.sess.ConnectionID(); connID != "" {
		shortID := connID
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}
		fmt.Fprintf(c.rl.Stdout(), "  Connection:     %s\n", shortID)
	}

	if remaining := c.sess.BackoffRemaining(); remaining > 0 {
		fmt.Fprintf(c.rl.Stdout(), "  Next attempt:   in %s\n", remaining.Round(time.Millisecond))
	}

	fmt.Fprintf(c.rl.Stdout(), "  Last CONNACK:   %s\n", c.sess.LastReturnCode())
	if code := c.sess.LastErrorCode(); code != mqtt.ErrorNone {
		fmt.Fprintf(c.rl.Stdout(), "  Last error:     %s\n", code)
	}

	if expiry := c.dev.TokenExpiresAt(); !expiry.IsZero() {
		fmt.Fprintf(c.rl.Stdout(), "  Token expires:  %s (%s)\n",
			expiry.Format("15:04:05"), time.Until(expiry).Round(time.Second))
	} else {
		fmt.Fprintf(c.rl.Stdout(), "  Token expires:  no token minted yet\n")
	}

	announce := "off"
	if c.sess.LogConnectEvents() {
		announce = "on"
	}
	fmt.Fprintf(c.rl.Stdout(), "  Announce:       %s\n", announce)

	fmt.Fprintln(c.rl.Stdout())
}

// cmdPublish handles the publish command.
func (c *Console) cmdPublish(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: publish <payload>")
		fmt.Fprintln(c.rl.Stdout(), `  Example: publish {"temperature":21.5}`)
		return
	}

	payload := strings.Join(args, " ")
	if err := c.sess.PublishTelemetry([]byte(payload)); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Publish failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "Published %d bytes to %s\n", len(payload), c.dev.EventsTopic())
}

// cmdPublishSub handles the publish-sub command.
func (c *Console) cmdPublishSub(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: publish-sub <subtopic> <payload>")
		fmt.Fprintln(c.rl.Stdout(), `  Example: publish-sub /temperature {"value":21.5}`)
		return
	}

	subtopic := args[0]
	payload := strings.Join(args[1:], " ")
	if err := c.sess.PublishTelemetrySub(subtopic, []byte(payload)); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Publish failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "Published %d bytes to %s\n", len(payload), c.dev.EventsTopic()+subtopic)
}

// cmdState handles the state command.
func (c *Console) cmdState(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: state <payload>")
		fmt.Fprintln(c.rl.Stdout(), `  Example: state {"firmware":"1.0.3"}`)
		return
	}

	payload := strings.Join(args, " ")
	if err := c.sess.PublishState([]byte(payload)); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Publish failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "Published %d bytes to %s\n", len(payload), c.dev.StateTopic())
}

// cmdLTS handles the lts command.
func (c *Console) cmdLTS(args []string) {
	if len(args) < 1 {
		current := "off"
		if c.sess.UseLTSEndpoint() {
			current = "on"
		}
		fmt.Fprintf(c.rl.Stdout(), "LTS endpoint: %s\n", current)
		return
	}

	switch strings.ToLower(args[0]) {
	case "on":
		c.sess.SetUseLTSEndpoint(true)
		fmt.Fprintf(c.rl.Stdout(), "LTS endpoint enabled, next connect uses %s\n",
			mqtt.DefaultEndpoint(true).Addr())
	case "off":
		c.sess.SetUseLTSEndpoint(false)
		fmt.Fprintf(c.rl.Stdout(), "LTS endpoint disabled, next connect uses %s\n",
			mqtt.DefaultEndpoint(false).Addr())
	default:
		fmt.Fprintln(c.rl.Stdout(), "Usage: lts on|off")
	}
}

// cmdAnnounce handles the announce command.
func (c *Console) cmdAnnounce(args []string) {
	if len(args) < 1 {
		current := "off"
		if c.sess.LogConnectEvents() {
			current = "on"
		}
		fmt.Fprintf(c.rl.Stdout(), "Connect announcements: %s\n", current)
		return
	}

	switch strings.ToLower(args[0]) {
	case "on":
		c.sess.SetLogConnectEvents(true)
		fmt.Fprintln(c.rl.Stdout(), "Connect announcements enabled")
	case "off":
		c.sess.SetLogConnectEvents(false)
		fmt.Fprintln(c.rl.Stdout(), "Connect announcements disabled")
	default:
		fmt.Fprintln(c.rl.Stdout(), "Usage: announce on|off")
	}
}

// cmdToken handles the token command.
func (c *Console) cmdToken(args []string) {
	if len(args) > 0 && strings.ToLower(args[0]) == "refresh" {
		if err := c.dev.RegenerateToken(); err != nil {
			fmt.Fprintf(c.rl.Stdout(), "Token regeneration failed: %v\n", err)
			return
		}
		fmt.Fprintf(c.rl.Stdout(), "Token minted, expires %s (used on next connect)\n",
			c.dev.TokenExpiresAt().Format("15:04:05"))
		return
	}

	expiry := c.dev.TokenExpiresAt()
	if expiry.IsZero() {
		fmt.Fprintln(c.rl.Stdout(), "No token minted yet (one is minted on connect)")
		return
	}

	remaining := time.Until(expiry).Round(time.Second)
	if remaining <= 0 {
		fmt.Fprintf(c.rl.Stdout(), "Token EXPIRED at %s\n", expiry.Format("15:04:05"))
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "Token expires %s (in %s)\n", expiry.Format("15:04:05"), remaining)
}
