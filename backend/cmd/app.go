package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/skobelin/duelbroker/backend/profile"
	"github.com/skobelin/duelbroker/backend/registry"
	httpServer "github.com/skobelin/duelbroker/backend/server/http"
	websocketServer "github.com/skobelin/duelbroker/backend/server/websocket"
	"github.com/skobelin/duelbroker/backend/service"
	sw "github.com/skobelin/duelbroker/backend/switch"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr   = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr    = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel        = fs.StringP("log-level", "l", "debug", "log level")
		authSecret      = fs.String("auth-secret", envString("AUTH_SECRET", ""), "shared secret for identity assertion verification")
		authAllowAnon   = fs.Bool("auth-allow-anon", envBool("AUTH_ALLOW_ANON"), "accept connections without a valid identity assertion")
		authMaxAgeSec   = fs.Int64("auth-max-age-sec", envInt("AUTH_MAX_AGE_SEC"), "maximum assertion age in seconds, 0 disables the freshness check")
		avatarLookupURL = fs.String("avatar-lookup-url", envString("AVATAR_LOOKUP_URL", ""), "base URL of the avatar lookup service, empty disables enrichment")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	var avatars profile.AvatarLookup
	if *avatarLookupURL != "" {
		avatars = profile.NewHTTPLookup(*avatarLookupURL)
	}

	reg := registry.New()
	svc := service.NewService(service.Config{
		Registry:     reg,
		Switch:       sw.NewSwitch(&logger),
		AvatarLookup: avatars,
		Logger:       &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: reg,
		ListenAddr:  *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger: &logger,
		Broker: svc,
		Auth: websocketServer.AuthConfig{
			Secret:    *authSecret,
			MaxAge:    time.Duration(*authMaxAgeSec) * time.Second,
			AllowAnon: *authAllowAnon,
		},
		ListenAddr: *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	return os.Getenv(key) == "true"
}

func envInt(key string) int64 {
	v, _ := strconv.ParseInt(os.Getenv(key), 10, 64)
	return v
}
