// Command ws-harness opens several tab connections for one user and device
// against a running server and logs what each tab sees: elections, failover,
// token refreshes and propagated events.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericfitz/sessioncore/internal/slogging"
)

// Config holds the harness flags
type Config struct {
	ServerURL  string
	Token      string
	UserID     string
	DeviceID   string
	SessionID  string
	Tabs       int
	Heartbeat  time.Duration
	KillLeader time.Duration
	Verbose    bool
}

func main() {
	config := parseArgs()

	level := slogging.LogLevelInfo
	if config.Verbose {
		level = slogging.LogLevelDebug
	}
	if err := slogging.Initialize(slogging.Config{Level: level, IsDev: true}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	logger := slogging.Get()
	logger.Info("WebSocket harness starting: server %s user %s device %s, %d tabs", config.ServerURL, config.UserID, config.DeviceID, config.Tabs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	tabs := make([]*tab, config.Tabs)
	for i := range tabs {
		tabs[i] = newTab(config, i)
		t := tabs[i]
		g.Go(func() error { return t.run(gctx) })
	}

	if config.KillLeader > 0 {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(config.KillLeader):
			}
			for _, t := range tabs {
				if t.isLeader() {
					logger.Info("Closing leader tab %s to force a failover", t.tabID)
					t.close()
					return nil
				}
			}
			logger.Warn("No leader tab found to close")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Harness failed: %v", err)
		os.Exit(1)
	}
	logger.Info("Harness stopped")
}

func parseArgs() Config {
	var config Config
	flag.StringVar(&config.ServerURL, "server", "localhost:8080", "Server URL")
	flag.StringVar(&config.Token, "token", "", "Session token passed on the upgrade")
	flag.StringVar(&config.UserID, "user", "", "User id")
	flag.StringVar(&config.DeviceID, "device", "harness-device", "Device id shared by every tab")
	flag.StringVar(&config.SessionID, "session", "", "Session id (defaults to the device)")
	flag.IntVar(&config.Tabs, "tabs", 3, "Number of tabs to open")
	flag.DurationVar(&config.Heartbeat, "heartbeat", 5*time.Second, "Activity interval of each tab")
	flag.DurationVar(&config.KillLeader, "kill-leader", 0, "Close the leader tab after this delay")
	flag.BoolVar(&config.Verbose, "v", false, "Log every frame")
	flag.Parse()

	if config.UserID == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}
	if config.Tabs < 1 {
		fmt.Fprintln(os.Stderr, "-tabs must be at least 1")
		os.Exit(2)
	}
	if !strings.HasPrefix(config.ServerURL, "http://") && !strings.HasPrefix(config.ServerURL, "https://") {
		config.ServerURL = "http://" + config.ServerURL
	}
	return config
}
