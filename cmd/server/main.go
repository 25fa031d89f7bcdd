package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"github.com/ericfitz/sessioncore/api"
	"github.com/ericfitz/sessioncore/auth"
	"github.com/ericfitz/sessioncore/auth/db"
	"github.com/ericfitz/sessioncore/internal/config"
	"github.com/ericfitz/sessioncore/internal/roomstore"
	"github.com/ericfitz/sessioncore/internal/slogging"
	"github.com/ericfitz/sessioncore/internal/telemetry"
)

func main() {
	configFile, generateConfig, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if generateConfig {
		if err := config.GenerateExampleConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := slogging.Initialize(cfg.LoggerConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slogging.Get().Error("Server exited: %v", err)
		_ = slogging.Get().Close()
		os.Exit(1)
	}
	_ = slogging.Get().Close()
}

func run(cfg *config.Config) error {
	logger := slogging.Get()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.NewService(telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Telemetry.Environment,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed: %v", err)
		}
	}()

	redisClient, err := roomstore.Connect(ctx, cfg.RedisOptions())
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()
	if err := tel.InstrumentRedis(redisClient); err != nil {
		logger.Warn("Redis instrumentation disabled: %v", err)
	}

	opts := api.Options{Config: cfg, Redis: redisClient, Telemetry: tel}

	var gdb *gorm.DB
	if cfg.Database.Driver != "" {
		gdb, err = db.Open(db.Config{
			Type:            db.DatabaseType(cfg.Database.Driver),
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			AutoMigrate:     cfg.Database.AutoMigrate,
			Instrument:      cfg.Telemetry.MetricsEnabled,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(gdb); err != nil {
				logger.Warn("Failed to close database: %v", err)
			}
		}()
		opts.Devices = db.NewDevices(gdb)
		opts.Sessions = db.NewSessions(gdb)
		opts.Auditor = db.NewSecurityEvents(gdb)
	}

	if cfg.Auth.JWT.Secret != "" {
		var authOpts []auth.Option
		if cfg.Auth.LookupUsers && gdb != nil {
			authOpts = append(authOpts, auth.WithUsers(db.NewUsers(gdb)))
		}
		opts.Auth, err = auth.NewService(auth.Config{
			Secret:        cfg.Auth.JWT.Secret,
			SigningMethod: cfg.Auth.JWT.SigningMethod,
			Issuer:        cfg.Auth.JWT.Issuer,
			Expiration:    cfg.GetJWTDuration(),
		}, authOpts...)
		if err != nil {
			return fmt.Errorf("failed to initialize auth: %w", err)
		}
	} else {
		logger.Warn("No JWT secret configured; tokens are not verified and refreshes are disabled")
	}

	svc, err := api.NewService(opts)
	if err != nil {
		return err
	}

	logger.Info("Session core starting (environment %s)", cfg.Telemetry.Environment)
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Session core stopped")
	return nil
}
