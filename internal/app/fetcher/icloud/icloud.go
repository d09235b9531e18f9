/*
Package icloud polls a BlueBubbles server for FindMy device locations.

Unlike the other sources this cache actively forgets: a device whose
upstream record no longer carries both an address and a coordinate is
removed from the map, because the FindMy response is authoritative that
the device is no longer locatable. The read path applies scope-based
redaction and derives a time zone from the coordinates, building a
request-scoped view without ever mutating the stored snapshot.
*/
package icloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"presenced/internal/app/source"
	"presenced/internal/pkg/auth/scope"
	"presenced/internal/pkg/limiter"
	"presenced/internal/pkg/logx"
	"presenced/internal/pkg/metrics"
)

const (
	// refreshInterval is how often device locations are polled.
	refreshInterval = 5 * time.Second

	sourceName = "icloud"
)

// DeviceInfo is the stored location snapshot for one device. All fields
// are always populated; redaction happens on read, never in the store.
type DeviceInfo struct {
	Country   string
	Locality  string
	Latitude  float64
	Longitude float64
}

// Location is the request-scoped, scope-redacted view of a device
// location. TimeZone is hoisted into the aggregate view's top-level
// time_zone field rather than serialized here.
type Location struct {
	Country   string   `json:"country"`
	Locality  *string  `json:"locality,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	TimeZone string `json:"-"`
}

// TimezoneFinder resolves coordinates to an IANA time-zone name.
// Satisfied by tzf.DefaultFinder.
type TimezoneFinder interface {
	GetTimezoneName(lng float64, lat float64) string
}

// Fetcher owns the location source cache and its refresh loop.
type Fetcher struct {
	store    *source.Store[string, DeviceInfo]
	finder   TimezoneFinder
	server   string
	password string

	// Interval between refresh cycles.
	Interval time.Duration

	client   *http.Client
	limiters *limiter.KeyedLimiter
}

// NewFetcher builds the fetcher. server is the BlueBubbles base URL; it
// may be empty when the source is not configured, in which case only the
// read path (Lookup) is usable.
func NewFetcher(store *source.Store[string, DeviceInfo], finder TimezoneFinder, server, password string, limiters *limiter.KeyedLimiter) *Fetcher {
	return &Fetcher{
		store:    store,
		finder:   finder,
		server:   server,
		password: password,
		Interval: refreshInterval,
		client:   &http.Client{Timeout: 10 * time.Second},
		limiters: limiters,
	}
}

// Lookup returns the redacted location view for a device, or nil if the
// device has no snapshot. Country is always included; locality requires
// the icloud.city scope; coordinates and the derived time zone require
// icloud.latlong.
func (f *Fetcher) Lookup(deviceID string, scopes []string) *Location {
	info, ok := f.store.Get(deviceID)
	if !ok {
		return nil
	}

	loc := &Location{Country: info.Country}

	if scope.Has(scopes, scope.City) {
		locality := info.Locality
		loc.Locality = &locality
	}

	if scope.Has(scopes, scope.LatLong) {
		lat, lng := info.Latitude, info.Longitude
		loc.Latitude = &lat
		loc.Longitude = &lng
		if f.finder != nil {
			loc.TimeZone = f.finder.GetTimezoneName(lng, lat)
		}
	}

	return loc
}

// Run refreshes device locations on the fixed interval until ctx is done.
func (f *Fetcher) Run(ctx context.Context) {
	logx.Info("Started iCloud fetcher")

	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()

	f.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.refresh(ctx)
		}
	}
}

// refresh runs one cycle: fetch all devices and apply upserts/removals.
// Any fetch or decode failure skips the cycle outright, leaving every
// snapshot in place.
func (f *Fetcher) refresh(ctx context.Context) {
	devices, err := f.fetchDevices(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.RefreshCycle(sourceName, "error")
		logx.Error(err, "Failed to fetch FindMy devices")
		return
	}

	for _, device := range devices {
		if device.Address == nil || device.Location == nil {
			// device no longer locatable
			f.store.Delete(device.ID)
			continue
		}

		f.store.Set(device.ID, DeviceInfo{
			Country:   device.Address.Country,
			Locality:  device.Address.Locality,
			Latitude:  device.Location.Latitude,
			Longitude: device.Location.Longitude,
		})
	}

	metrics.RefreshCycle(sourceName, "ok")
	metrics.SetSnapshots(sourceName, f.store.Len())
}

// fetchDevices calls the BlueBubbles FindMy endpoint.
func (f *Fetcher) fetchDevices(ctx context.Context) ([]deviceJSON, error) {
	reqURL := fmt.Sprintf("%s/api/v1/icloud/findmy/devices?password=%s", f.server, url.QueryEscape(f.password))

	u, err := url.Parse(reqURL)
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}

	if err := f.limiters.Wait(ctx, u.Host); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	res, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bluebubbles answered status %d", res.StatusCode)
	}

	var body struct {
		Data []deviceJSON `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}

	return body.Data, nil
}

// deviceJSON mirrors one entry of the FindMy devices response.
type deviceJSON struct {
	ID       string `json:"id"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
	Address *struct {
		Country  string `json:"country"`
		Locality string `json:"locality"`
	} `json:"address"`
}
