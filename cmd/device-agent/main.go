package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/iothub-agent/iothub-device-agent/internal/api"
	"github.com/iothub-agent/iothub-device-agent/internal/auth"
	"github.com/iothub-agent/iothub-device-agent/internal/bridge"
	"github.com/iothub-agent/iothub-device-agent/internal/config"
	"github.com/iothub-agent/iothub-device-agent/internal/journal"
	"github.com/iothub-agent/iothub-device-agent/internal/transport"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/device-agent.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Build the hub session
	sessCfg, err := sessionConfig(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build session configuration")
	}
	sess, err := transport.NewSession(sessCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create hub session")
	}

	// Open the offline telemetry journal
	jrnl, err := journal.Open(cfg.Journal.Dir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open telemetry journal")
	}
	defer jrnl.Close()

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// Start the local status API
	apiServer := api.NewStatusServer(sess, jrnl)
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		log.Info().Str("addr", addr).Msg("Starting status API server")
		if err := apiServer.ListenAndServe(addr); err != nil {
			log.Error().Err(err).Msg("Status API server stopped")
		}
	}()

	// Connect to the local NATS bus
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Agent.Name),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
		)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without bus bridge")
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")

			b := bridge.New(nc, sess, jrnl, cfg.Hub.DeviceID)
			if err := sess.SetListener(b); err != nil {
				log.Fatal().Err(err).Msg("Failed to set session listener")
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				log.Info().Msg("Starting bus bridge")
				if err := b.Start(ctx); err != nil && err != context.Canceled {
					log.Error().Err(err).Msg("Bus bridge stopped")
				}
			}()

			wg.Add(1)
			go func() {
				defer wg.Done()
				b.RunDrainLoop(ctx, cfg.Journal.DrainInterval, cfg.Journal.DrainBatch)
			}()
		}
	} else {
		log.Info().Msg("NATS not configured, inbound messages will be logged only")
		if err := sess.SetListener(logListener{}); err != nil {
			log.Fatal().Err(err).Msg("Failed to set session listener")
		}
	}

	// Open the hub session
	if err := sess.Open(nil); err != nil {
		log.Fatal().Err(err).Msg("Failed to open hub session")
	}

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if err := sess.Close(); err != nil {
		log.Warn().Err(err).Msg("Session close failed")
	}
	cancel()
	wg.Wait()
}

// sessionConfig derives the transport session configuration from the agent
// configuration.
func sessionConfig(cfg *config.Config) (*transport.SessionConfig, error) {
	sc := &transport.SessionConfig{
		Hostname:     cfg.Hub.Hostname,
		DeviceID:     cfg.Hub.DeviceID,
		HubName:      cfg.Hub.HubName,
		UseWebSocket: cfg.Hub.UseWebSocket,
	}

	switch cfg.Hub.Auth.Mode {
	case "sas":
		sc.Auth = transport.AuthSAS
		tokens, err := auth.NewSASProvider(
			cfg.Hub.Hostname,
			cfg.Hub.DeviceID,
			cfg.Hub.Auth.SharedAccessKey,
			cfg.Hub.Auth.KeyName,
			cfg.Hub.Auth.TokenTTL,
		)
		if err != nil {
			return nil, fmt.Errorf("build SAS provider: %w", err)
		}
		sc.Tokens = tokens
	case "x509":
		sc.Auth = transport.AuthX509
		var err error
		if cfg.Hub.Auth.PKCS12File != "" {
			sc.TLS, err = auth.TLSFromPKCS12(cfg.Hub.Auth.PKCS12File, cfg.Hub.Auth.PKCS12Password)
		} else {
			sc.TLS, err = auth.TLSFromPEM(cfg.Hub.Auth.CertFile, cfg.Hub.Auth.KeyFile)
		}
		if err != nil {
			return nil, fmt.Errorf("load X509 material: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Hub.Auth.Mode)
	}

	sc.TelemetryCallback = func(m *transport.Message, ctx any) {
		log.Debug().Int("bytes", len(m.Payload)).Msg("Cloud-to-device message consumed")
	}
	sc.MethodsCallback = func(m *transport.Message, ctx any) {
		log.Debug().Str("method", m.MethodName).Msg("Direct method call consumed")
	}
	sc.TwinCallback = func(m *transport.Message, ctx any) {
		log.Debug().Int("version", m.Version).Msg("Twin message consumed")
	}

	return sc, nil
}

// logListener is the fallback listener used when no bus is configured.
type logListener struct{}

func (logListener) OnMessageReceived(m *transport.Message, err error) {
	if err != nil {
		log.Warn().Err(err).Msg("Hub delivery error")
		return
	}
	log.Info().
		Str("kind", m.Kind.String()).
		Uint64("seq", m.Sequence()).
		Int("bytes", len(m.Payload)).
		Msg("Hub message received")
}
