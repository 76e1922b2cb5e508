// Command sshfwd-server runs the forwarding engine and its API server: a
// transport registry, a forward registry, and an event bus wired to a
// REST+WebSocket supervising layer, loading any configured connections
// from connections.json on startup.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hopwire/sshfwd/internal/api"
	"github.com/hopwire/sshfwd/internal/auth"
	"github.com/hopwire/sshfwd/internal/config"
	"github.com/hopwire/sshfwd/internal/events"
	"github.com/hopwire/sshfwd/internal/forward"
	"github.com/hopwire/sshfwd/internal/secrets"
	"github.com/hopwire/sshfwd/internal/transport"
)

func main() {
	addr := flag.String("addr", ":8080", "API server listen address")
	debug := flag.Bool("debug", false, "enable debug logging and console output")
	configDir := flag.String("config-dir", "", "directory holding connections.json and the encryption key (default $XDG_CONFIG_HOME/sshfwd)")
	jwtSecret := flag.String("jwt-secret", "", "HMAC secret for API bearer tokens (required)")
	rateLimitPerSec := flag.Float64("rate-limit", 10, "API requests per second allowed per client")
	rateLimitBurst := flag.Int("rate-limit-burst", 20, "API request burst size per client")
	knownHosts := flag.String("known-hosts", "", "verify SSH host keys against this known_hosts file (default: accept all, insecure on hostile networks)")
	issueToken := flag.String("issue-token", "", "print a bearer token for the given username and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "validity of the token issued by -issue-token")
	flag.Parse()

	var logger zerolog.Logger
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = logger

	if *jwtSecret == "" {
		logger.Fatal().Msg("-jwt-secret is required")
	}

	if *issueToken != "" {
		token, err := api.NewAuthMiddleware([]byte(*jwtSecret)).GenerateToken(*issueToken, *tokenTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("issue token")
		}
		fmt.Println(token)
		return
	}

	var hostKeys auth.HostKeyPolicy
	if *knownHosts != "" {
		hostKeys = auth.NewKnownHosts(*knownHosts)
	}

	dir := *configDir
	if dir == "" {
		resolved, err := config.DefaultDir()
		if err != nil {
			logger.Fatal().Err(err).Msg("resolve default config directory")
		}
		dir = resolved
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		logger.Fatal().Err(err).Str("dir", dir).Msg("create config directory")
	}

	key, err := secrets.LoadOrCreateKey(filepath.Join(dir, "secret.key"))
	if err != nil {
		logger.Fatal().Err(err).Msg("load encryption key")
	}
	box, err := secrets.New(key)
	if err != nil {
		logger.Fatal().Err(err).Msg("construct secret box")
	}
	store := config.New(box)

	connectionsPath := filepath.Join(dir, "connections.json")
	profiles, err := store.Load(connectionsPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", connectionsPath).Msg("load connections.json")
	}

	bus := events.New()
	transportReg := transport.New(bus, logger)
	forwardReg := forward.New(bus, logger)
	transportReg.SetForwarderStopper(forwardReg)

	bootstrapSavedConnections(transportReg, forwardReg, profiles, hostKeys, logger)

	server := api.NewServer(api.Config{
		Addr:            *addr,
		JWTSecret:       []byte(*jwtSecret),
		RateLimitPerSec: *rateLimitPerSec,
		RateLimitBurst:  *rateLimitBurst,
		HostKeyPolicy:   hostKeys,
	}, transportReg, forwardReg, bus, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server failed")
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("api server shutdown error")
	}
	transportReg.Shutdown()
}

// bootstrapSavedConnections connects every saved profile's session and
// registers its attached forwarding rules, starting those marked active,
// mirroring what a human operator would otherwise do one CLI command at a
// time.
func bootstrapSavedConnections(transportReg *transport.Registry, forwardReg *forward.Registry, profiles []config.ConnectionProfile, hostKeys auth.HostKeyPolicy, logger zerolog.Logger) {
	ctx := context.Background()
	for _, profile := range profiles {
		identity := profile.Identity()
		opts := transport.Options{
			Password:      profile.Password,
			KeyPath:       profile.KeyPath,
			Passphrase:    profile.Passphrase,
			UseAgent:      profile.UseAgent,
			Compression:   profile.Compression,
			HostKeyPolicy: hostKeys,
		}
		if !profile.KeepAlive {
			opts.KeepAliveInterval = transport.KeepAliveDisabled
		}
		session, err := transportReg.Connect(ctx, identity, opts)
		if err != nil {
			logger.Warn().Err(err).Str("session", identity.String()).Msg("failed to connect saved profile at startup")
			continue
		}

		for _, rule := range profile.ForwardingRules {
			id, err := forwardReg.Add(rule, identity, session, session)
			if err != nil {
				logger.Warn().Err(err).Str("session", identity.String()).Msg("failed to register saved forwarding rule")
				continue
			}
			if rule.Active {
				if err := forwardReg.Start(ctx, id); err != nil {
					logger.Warn().Err(err).Str("forwarder", id).Msg("failed to start saved forwarding rule")
				}
			}
		}
	}
}
