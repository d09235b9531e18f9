/*
Package lastfm polls the Last.fm API for each configured user's
currently-playing track.

The working set is seeded at startup with empty snapshots, so a user
registered with the scrobble source always has a cache entry even before
the first successful fetch. Every successful response fully replaces the
user's snapshot, including clearing the track when nothing is playing:
the recent-tracks response is authoritative. A failed fetch leaves the
previous snapshot untouched and waits for the next tick.
*/
package lastfm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"presenced/internal/app/source"
	"presenced/internal/pkg/limiter"
	"presenced/internal/pkg/logx"
	"presenced/internal/pkg/metrics"
)

const (
	// DefaultBaseURL is the Last.fm API root.
	DefaultBaseURL = "https://ws.audioscrobbler.com/2.0/"

	// refreshInterval is how often every user's now-playing state is polled.
	refreshInterval = 10 * time.Second

	sourceName = "lastfm"
)

// UserInfo is the scrobble snapshot for one Last.fm username.
type UserInfo struct {
	Username string `json:"username"`

	// CurrentlyPlaying is nil when the user is not scrobbling anything.
	CurrentlyPlaying *Track `json:"currently_playing"`
}

// Track describes the currently-playing track.
type Track struct {
	Artist string  `json:"artist"`
	Name   string  `json:"name"`
	Album  string  `json:"album"`
	Images []Image `json:"images"`
	URL    string  `json:"url"`

	// StartedAt is the scrobble timestamp when Last.fm reports one;
	// now-playing tracks usually have none.
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Image is one artwork rendition.
type Image struct {
	Size string `json:"size"`
	URL  string `json:"url"`
}

// Fetcher owns the scrobble source cache and its refresh loop.
type Fetcher struct {
	store     *source.Store[string, UserInfo]
	usernames []string
	apiKey    string

	// BaseURL may be overridden in tests.
	BaseURL string

	// Interval between refresh cycles.
	Interval time.Duration

	client   *http.Client
	limiters *limiter.KeyedLimiter
}

// NewFetcher builds the fetcher for the given working set.
func NewFetcher(store *source.Store[string, UserInfo], usernames []string, apiKey string, limiters *limiter.KeyedLimiter) *Fetcher {
	return &Fetcher{
		store:     store,
		usernames: usernames,
		apiKey:    apiKey,
		BaseURL:   DefaultBaseURL,
		Interval:  refreshInterval,
		client:    &http.Client{Timeout: 10 * time.Second},
		limiters:  limiters,
	}
}

// Run seeds the store, performs one immediate refresh, and then refreshes
// on the fixed interval until ctx is done.
func (f *Fetcher) Run(ctx context.Context) {
	for _, username := range f.usernames {
		f.store.Set(username, UserInfo{Username: username})
	}
	metrics.SetSnapshots(sourceName, f.store.Len())

	logx.Info("Started Last.fm fetcher", "users", len(f.usernames))

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

// refresh runs one cycle over the whole working set. Failures are
// per-user: one user's broken fetch does not stop the others.
func (f *Fetcher) refresh(ctx context.Context) {
	failed := false
	for _, username := range f.usernames {
		if err := f.updateUser(ctx, username); err != nil {
			if ctx.Err() != nil {
				return
			}
			failed = true
			logx.Error(err, "Failed to refresh Last.fm now-playing state", "username", username)
		}
	}

	result := "ok"
	if failed {
		result = "error"
	}
	metrics.RefreshCycle(sourceName, result)
	metrics.SetSnapshots(sourceName, f.store.Len())
}

// updateUser fetches and commits one user's snapshot.
func (f *Fetcher) updateUser(ctx context.Context, username string) error {
	reqURL, err := f.recentTracksURL(username)
	if err != nil {
		return err
	}

	if err := f.limiters.Wait(ctx, hostOf(reqURL)); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}

	res, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("last.fm answered status %d", res.StatusCode)
	}

	var body recentTracksResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode recent tracks: %w", err)
	}

	f.store.Set(username, UserInfo{
		Username:         username,
		CurrentlyPlaying: body.nowPlaying(),
	})

	return nil
}

func (f *Fetcher) recentTracksURL(username string) (string, error) {
	u, err := url.Parse(f.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}

	q := u.Query()
	q.Set("method", "user.getrecenttracks")
	q.Set("format", "json")
	q.Set("user", username)
	q.Set("api_key", f.apiKey)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

// recentTracksResponse mirrors the wire shape of user.getrecenttracks.
type recentTracksResponse struct {
	RecentTracks struct {
		Track []trackJSON `json:"track"`
	} `json:"recenttracks"`
}

type trackJSON struct {
	Artist struct {
		Name string `json:"#text"`
	} `json:"artist"`
	Name  string `json:"name"`
	Album struct {
		Name string `json:"#text"`
	} `json:"album"`
	Image []struct {
		Size string `json:"size"`
		URL  string `json:"#text"`
	} `json:"image"`
	URL  string `json:"url"`
	Date *struct {
		UTS string `json:"uts"`
	} `json:"date"`
	Attr *struct {
		NowPlaying string `json:"nowplaying"`
	} `json:"@attr"`
}

// nowPlaying returns the track flagged as currently playing, or nil.
func (r *recentTracksResponse) nowPlaying() *Track {
	for _, t := range r.RecentTracks.Track {
		if t.Attr == nil || t.Attr.NowPlaying != "true" {
			continue
		}

		track := &Track{
			Artist: t.Artist.Name,
			Name:   t.Name,
			Album:  t.Album.Name,
			Images: make([]Image, 0, len(t.Image)),
			URL:    t.URL,
		}

		for _, img := range t.Image {
			track.Images = append(track.Images, Image{Size: img.Size, URL: img.URL})
		}

		if t.Date != nil {
			if uts, err := strconv.ParseInt(t.Date.UTS, 10, 64); err == nil {
				started := time.Unix(uts, 0).UTC()
				track.StartedAt = &started
			}
		}

		return track
	}

	return nil
}
