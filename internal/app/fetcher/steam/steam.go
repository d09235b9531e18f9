/*
Package steam polls the Steam Web API for the game sessions of all
configured players.

Player summaries are fetched in one batched request per cycle. Each
returned player fully replaces its snapshot; players missing from a
successful response are left untouched, since the summaries endpoint is
not authoritative about absence. Entries are never removed once written.
Game names come from a separately refreshed app-id catalog (see
catalog.go).
*/
package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"presenced/internal/app/source"
	"presenced/internal/pkg/limiter"
	"presenced/internal/pkg/logx"
	"presenced/internal/pkg/metrics"
)

const (
	// DefaultBaseURL is the Steam Web API root.
	DefaultBaseURL = "https://api.steampowered.com"

	// refreshInterval is how often player summaries are polled.
	refreshInterval = 30 * time.Second

	// catalogInterval is how often the app catalog is re-fetched.
	catalogInterval = 6 * time.Hour

	sourceName = "steam"
)

// UserInfo is the game-session snapshot for one Steam player.
type UserInfo struct {
	SteamID     string `json:"steam_id"`
	PersonaName string `json:"persona_name"`

	// Game is nil when the player is not in a game.
	Game *GameInfo `json:"game"`
}

// GameInfo describes the game a player is currently in.
type GameInfo struct {
	AppID   uint64 `json:"appid"`
	Name    string `json:"name"`
	InfoURL string `json:"info_url"`
}

// Fetcher owns the game source cache, the app-name catalog, and both
// refresh loops.
type Fetcher struct {
	store   *source.Store[uint64, UserInfo]
	catalog *source.Store[uint64, string]
	players []uint64
	apiKey  string

	// BaseURL may be overridden in tests.
	BaseURL string

	// Interval between player-summary refresh cycles.
	Interval time.Duration

	// CatalogInterval between app-catalog refreshes.
	CatalogInterval time.Duration

	client   *http.Client
	limiters *limiter.KeyedLimiter
}

// NewFetcher builds the fetcher for the given working set.
func NewFetcher(store *source.Store[uint64, UserInfo], players []uint64, apiKey string, limiters *limiter.KeyedLimiter) *Fetcher {
	return &Fetcher{
		store:           store,
		catalog:         source.NewStore[uint64, string](),
		players:         players,
		apiKey:          apiKey,
		BaseURL:         DefaultBaseURL,
		Interval:        refreshInterval,
		CatalogInterval: catalogInterval,
		client:          &http.Client{Timeout: 15 * time.Second},
		limiters:        limiters,
	}
}

// Run starts the summary loop and the catalog loop and blocks until ctx
// is done. The first catalog refresh is deliberately deferred one full
// interval: a crash-looping process must not hammer the app-list
// endpoint, and a seed file covers the gap (SeedCatalog).
func (f *Fetcher) Run(ctx context.Context) {
	logx.Info("Started Steam fetcher", "players", len(f.players))

	go f.runCatalogLoop(ctx)

	f.refresh(ctx)

	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.refresh(ctx)
		}
	}
}

// refresh runs one batched player-summary cycle.
func (f *Fetcher) refresh(ctx context.Context) {
	if err := f.updatePlayers(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.RefreshCycle(sourceName, "error")
		logx.Error(err, "Failed to fetch Steam player summaries")
		return
	}

	metrics.RefreshCycle(sourceName, "ok")
	metrics.SetSnapshots(sourceName, f.store.Len())
}

// updatePlayers fetches the whole working set in one request and commits
// each returned player's snapshot.
func (f *Fetcher) updatePlayers(ctx context.Context) error {
	if len(f.players) == 0 {
		return nil
	}

	ids := make([]string, len(f.players))
	for i, id := range f.players {
		ids[i] = strconv.FormatUint(id, 10)
	}

	reqURL := fmt.Sprintf(
		"%s/ISteamUser/GetPlayerSummaries/v0002/?key=%s&steamids=%s",
		f.BaseURL, url.QueryEscape(f.apiKey), strings.Join(ids, ","),
	)

	var body playerSummariesResponse
	if err := f.getJSON(ctx, reqURL, &body); err != nil {
		return err
	}

	for _, player := range body.Response.Players {
		steamID, err := strconv.ParseUint(player.SteamID, 10, 64)
		if err != nil {
			logx.Warn("Steam returned an unparseable steamid", "steamid", player.SteamID)
			continue
		}

		info := UserInfo{
			SteamID:     player.SteamID,
			PersonaName: player.PersonaName,
		}

		if player.GameID != "" {
			if appID, err := strconv.ParseUint(player.GameID, 10, 64); err == nil {
				info.Game = &GameInfo{
					AppID:   appID,
					Name:    f.gameName(appID),
					InfoURL: fmt.Sprintf("http://store.steampowered.com/api/appdetails?appids=%d&filters=basic", appID),
				}
			}
		}

		f.store.Set(steamID, info)
	}

	return nil
}

// gameName resolves an app id through the catalog.
func (f *Fetcher) gameName(appID uint64) string {
	if name, ok := f.catalog.Get(appID); ok {
		return name
	}
	return "unknown game"
}

// getJSON performs a rate-limited GET and decodes the JSON response.
func (f *Fetcher) getJSON(ctx context.Context, rawURL string, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}

	if err := f.limiters.Wait(ctx, u.Host); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	res, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("steam answered status %d", res.StatusCode)
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// playerSummariesResponse mirrors GetPlayerSummaries v2.
type playerSummariesResponse struct {
	Response struct {
		Players []struct {
			SteamID     string `json:"steamid"`
			PersonaName string `json:"personaname"`
			GameID      string `json:"gameid"`
		} `json:"players"`
	} `json:"response"`
}
