/*
Package main is the entry point for the presence aggregation service.

It loads configuration, initializes the global logging system, builds the
user directory and the per-source caches, starts the background fetchers
for every configured source, and serves the read API until an operating
system interrupt (SIGINT, SIGTERM) shuts the server down.
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ringsaturn/tzf"
	"golang.org/x/time/rate"

	"presenced/internal/app/aggregate"
	"presenced/internal/app/directory"
	"presenced/internal/app/fetcher/discord"
	"presenced/internal/app/fetcher/icloud"
	"presenced/internal/app/fetcher/lastfm"
	"presenced/internal/app/fetcher/steam"
	"presenced/internal/app/source"
	"presenced/internal/configs"
	"presenced/internal/handler"
	"presenced/internal/pkg/auth/scope"
	"presenced/internal/pkg/limiter"
	"presenced/internal/pkg/logx"
)

// Shared outbound rate limit for the REST pollers, per upstream host.
const (
	upstreamRate  = 5
	upstreamBurst = 10
)

func main() {
	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logx.InitGlobalLogger(cfg.Environment == "development")

	fileCfg, err := configs.LoadFileConfig(cfg.ConfigPath)
	if err != nil {
		logx.Fatal(err, "Failed to load config file")
	}

	dir := directory.New(fileCfg)

	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Int("users", len(dir.Summaries())).
		Msg("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One store per source; each is handed to its fetcher (the only
	// writer) and to the aggregation service (a reader).
	discordStore := source.NewStore[uint64, discord.UserInfo]()
	lastfmStore := source.NewStore[string, lastfm.UserInfo]()
	steamStore := source.NewStore[uint64, steam.UserInfo]()
	icloudStore := source.NewStore[string, icloud.DeviceInfo]()

	upstreamLimits := limiter.NewKeyedLimiter(rate.Limit(upstreamRate), upstreamBurst)

	if fileCfg.DiscordBotToken != "" {
		gateway, err := discord.NewGateway(discordStore, fileCfg.DiscordBotToken, fileCfg.DiscordInitialSearchGuilds)
		if err != nil {
			logx.Fatal(err, "Failed to build Discord gateway")
		}
		go gateway.Run(ctx)
	}

	if fileCfg.LastFMKey != "" {
		fetcher := lastfm.NewFetcher(lastfmStore, dir.LastFMUsernames(), fileCfg.LastFMKey, upstreamLimits)
		go fetcher.Run(ctx)
	}

	if fileCfg.SteamAPIKey != "" {
		fetcher := steam.NewFetcher(steamStore, dir.SteamIDs(), fileCfg.SteamAPIKey, upstreamLimits)
		if fileCfg.SteamAppCatalog != "" {
			if err := fetcher.SeedCatalog(fileCfg.SteamAppCatalog); err != nil {
				logx.Error(err, "Failed to seed Steam app catalog, continuing without it")
			}
		}
		go fetcher.Run(ctx)
	}

	finder, err := tzf.NewDefaultFinder()
	if err != nil {
		logx.Fatal(err, "Failed to build timezone finder")
	}

	icloudFetcher := icloud.NewFetcher(icloudStore, finder, fileCfg.BlueBubblesServer, fileCfg.BlueBubblesPassword, upstreamLimits)
	if fileCfg.BlueBubblesServer != "" && fileCfg.BlueBubblesPassword != "" {
		go icloudFetcher.Run(ctx)
	} else {
		logx.Warn("iCloud fetcher not set up")
	}

	aggregator := aggregate.NewService(dir, discordStore, lastfmStore, steamStore, icloudFetcher)

	deps := &handler.AppDeps{
		Config:     cfg,
		Directory:  dir,
		Aggregator: aggregator,
		Scopes:     scope.NewResolver(fileCfg.Tokens, cfg.JWTSecret),
	}

	router := handler.Router(deps)

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logx.Info(fmt.Sprintf("Presence API starting on http://localhost%s", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Fatal(err, "Server failed to start")
		}
	}()

	<-ctx.Done()
	logx.Info("Received shutdown signal. Starting graceful shutdown...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logx.Fatal(err, "Server forced to shutdown")
	}

	logx.Info("Server gracefully stopped.")
}
