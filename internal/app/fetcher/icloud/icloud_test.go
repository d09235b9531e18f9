package icloud

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/time/rate"

	"presenced/internal/app/source"
	"presenced/internal/pkg/auth/scope"
	"presenced/internal/pkg/limiter"
)

// fakeFinder returns a canned zone name and records the lookup.
type fakeFinder struct {
	zone    string
	lastLat float64
	lastLng float64
}

func (f *fakeFinder) GetTimezoneName(lng, lat float64) string {
	f.lastLng, f.lastLat = lng, lat
	return f.zone
}

const devicesBody = `{
  "data": [
    {
      "id": "device-alice",
      "location": {"latitude": 39.8, "longitude": -89.64},
      "address": {"country": "US", "locality": "Springfield"}
    },
    {
      "id": "device-bob",
      "location": {"latitude": 52.52, "longitude": 13.4},
      "address": {"country": "DE", "locality": "Berlin"}
    }
  ]
}`

func newTestFetcher(t *testing.T, upstream http.HandlerFunc) (*Fetcher, *source.Store[string, DeviceInfo], *fakeFinder) {
	t.Helper()

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	store := source.NewStore[string, DeviceInfo]()
	finder := &fakeFinder{zone: "America/Chicago"}
	f := NewFetcher(store, finder, srv.URL, "hunter2", limiter.NewKeyedLimiter(rate.Inf, 1))

	return f, store, finder
}

func TestRefreshUpserts(t *testing.T) {
	var gotPassword string
	f, store, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		gotPassword = r.URL.Query().Get("password")
		w.Write([]byte(devicesBody))
	})

	f.refresh(context.Background())

	if gotPassword != "hunter2" {
		t.Errorf("expected password query parameter, got %q", gotPassword)
	}

	info, ok := store.Get("device-alice")
	if !ok {
		t.Fatal("expected snapshot for located device")
	}
	if info.Country != "US" || info.Locality != "Springfield" {
		t.Errorf("unexpected snapshot: %+v", info)
	}
	if info.Latitude != 39.8 || info.Longitude != -89.64 {
		t.Errorf("unexpected coordinates: %+v", info)
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 devices, got %d", store.Len())
	}
}

// A device whose record no longer carries both an address and a
// coordinate is removed: it is no longer locatable.
func TestRefreshRemovesUnlocatableDevices(t *testing.T) {
	body := devicesBody
	f, store, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})

	f.refresh(context.Background())
	if store.Len() != 2 {
		t.Fatalf("expected 2 devices, got %d", store.Len())
	}

	body = `{
	  "data": [
	    {"id": "device-alice", "address": {"country": "US", "locality": "Springfield"}},
	    {"id": "device-bob", "location": {"latitude": 52.52, "longitude": 13.4},
	     "address": {"country": "DE", "locality": "Berlin"}}
	  ]
	}`
	f.refresh(context.Background())

	if _, ok := store.Get("device-alice"); ok {
		t.Error("device without coordinates must be removed")
	}
	if _, ok := store.Get("device-bob"); !ok {
		t.Error("located device must survive")
	}
}

func TestRefreshFailureKeepsState(t *testing.T) {
	failing := false
	f, store, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if failing {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(devicesBody))
	})

	f.refresh(context.Background())
	before := store.Len()

	failing = true
	f.refresh(context.Background())

	if store.Len() != before {
		t.Error("failed cycle must leave the cache untouched")
	}
	if info, ok := store.Get("device-alice"); !ok || info.Country != "US" {
		t.Errorf("failed cycle mutated a snapshot: %+v", info)
	}
}

func TestLookupRedaction(t *testing.T) {
	store := source.NewStore[string, DeviceInfo]()
	finder := &fakeFinder{zone: "America/Chicago"}
	f := NewFetcher(store, finder, "", "", limiter.NewKeyedLimiter(rate.Inf, 1))

	store.Set("device-alice", DeviceInfo{
		Country:   "US",
		Locality:  "Springfield",
		Latitude:  39.8,
		Longitude: -89.64,
	})

	cases := []struct {
		name       string
		scopes     []string
		wantCity   bool
		wantCoords bool
	}{
		{"anonymous", nil, false, false},
		{"city only", []string{scope.City}, true, false},
		{"latlong only", []string{scope.LatLong}, false, true},
		{"both", []string{scope.City, scope.LatLong}, true, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			loc := f.Lookup("device-alice", tc.scopes)
			if loc == nil {
				t.Fatal("expected a location")
			}

			if loc.Country != "US" {
				t.Errorf("country is never redacted, got %q", loc.Country)
			}

			if tc.wantCity != (loc.Locality != nil) {
				t.Errorf("locality presence = %v, want %v", loc.Locality != nil, tc.wantCity)
			}
			if tc.wantCity && *loc.Locality != "Springfield" {
				t.Errorf("unexpected locality %q", *loc.Locality)
			}

			if tc.wantCoords != (loc.Latitude != nil && loc.Longitude != nil) {
				t.Errorf("coordinate presence mismatch: %+v", loc)
			}
			if tc.wantCoords {
				if *loc.Latitude != 39.8 || *loc.Longitude != -89.64 {
					t.Errorf("unexpected coordinates: %+v", loc)
				}
				if loc.TimeZone != "America/Chicago" {
					t.Errorf("expected derived time zone, got %q", loc.TimeZone)
				}
			} else if loc.TimeZone != "" {
				t.Errorf("time zone requires the latlong scope, got %q", loc.TimeZone)
			}
		})
	}
}

// Redaction is request-scoped: a privileged lookup must not leak fields
// into later anonymous lookups, and the stored snapshot stays intact.
func TestLookupDoesNotMutateSnapshot(t *testing.T) {
	store := source.NewStore[string, DeviceInfo]()
	f := NewFetcher(store, &fakeFinder{zone: "Europe/Berlin"}, "", "", limiter.NewKeyedLimiter(rate.Inf, 1))

	original := DeviceInfo{Country: "DE", Locality: "Berlin", Latitude: 52.52, Longitude: 13.4}
	store.Set("device-bob", original)

	full := f.Lookup("device-bob", []string{scope.City, scope.LatLong})
	if full == nil || full.TimeZone != "Europe/Berlin" {
		t.Fatalf("unexpected privileged lookup: %+v", full)
	}

	anon := f.Lookup("device-bob", nil)
	if anon.Locality != nil || anon.Latitude != nil || anon.TimeZone != "" {
		t.Errorf("anonymous lookup leaked fields: %+v", anon)
	}

	if stored, _ := store.Get("device-bob"); stored != original {
		t.Errorf("lookup mutated the stored snapshot: %+v", stored)
	}
}

func TestLookupUnknownDevice(t *testing.T) {
	store := source.NewStore[string, DeviceInfo]()
	f := NewFetcher(store, &fakeFinder{}, "", "", limiter.NewKeyedLimiter(rate.Inf, 1))

	if loc := f.Lookup("nope", []string{scope.City}); loc != nil {
		t.Errorf("expected nil for unknown device, got %+v", loc)
	}
}

func TestLookupFinderArguments(t *testing.T) {
	store := source.NewStore[string, DeviceInfo]()
	finder := &fakeFinder{zone: "America/Chicago"}
	f := NewFetcher(store, finder, "", "", limiter.NewKeyedLimiter(rate.Inf, 1))

	store.Set("d", DeviceInfo{Country: "US", Latitude: 1.5, Longitude: -2.5})
	f.Lookup("d", []string{scope.LatLong})

	// longitude first, then latitude
	if finder.lastLng != -2.5 || finder.lastLat != 1.5 {
		t.Errorf("finder called with (%v, %v)", finder.lastLng, finder.lastLat)
	}
}

func TestFetchDevicesBadJSON(t *testing.T) {
	f, store, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	})

	f.refresh(context.Background())

	if store.Len() != 0 {
		t.Error("bad payload must not populate the cache")
	}
}
