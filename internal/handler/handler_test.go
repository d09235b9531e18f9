package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/time/rate"

	"presenced/internal/app/aggregate"
	"presenced/internal/app/directory"
	"presenced/internal/app/fetcher/discord"
	"presenced/internal/app/fetcher/icloud"
	"presenced/internal/app/fetcher/lastfm"
	"presenced/internal/app/fetcher/steam"
	"presenced/internal/app/source"
	"presenced/internal/configs"
	"presenced/internal/pkg/auth/scope"
	"presenced/internal/pkg/limiter"
)

type staticFinder struct{}

func (staticFinder) GetTimezoneName(lng, lat float64) string { return "Europe/Vienna" }

type testEnv struct {
	handler  http.Handler
	location *source.Store[string, icloud.DeviceInfo]
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &configs.FileConfig{
		Tokens: map[string][]string{
			"city-token": {scope.City},
			"full-token": {scope.City, scope.LatLong},
		},
		Users: map[string]configs.UserConfig{
			"alice": {
				Name:           "Alice",
				TimeZone:       "Europe/Berlin",
				Domain:         "alice.example",
				ICloudDeviceID: "alice-phone",
			},
			"bob": {
				Name:     "Bob",
				TimeZone: "UTC",
				Domain:   "bob.example",
			},
		},
	}

	dir := directory.New(cfg)

	discordStore := source.NewStore[uint64, discord.UserInfo]()
	lastfmStore := source.NewStore[string, lastfm.UserInfo]()
	steamStore := source.NewStore[uint64, steam.UserInfo]()
	locationStore := source.NewStore[string, icloud.DeviceInfo]()

	locations := icloud.NewFetcher(
		locationStore,
		staticFinder{},
		"", "",
		limiter.NewKeyedLimiter(rate.Inf, 1),
	)

	deps := &AppDeps{
		Config:     &configs.AppConfig{Environment: "test", Port: 3000},
		Directory:  dir,
		Aggregator: aggregate.NewService(dir, discordStore, lastfmStore, steamStore, locations),
		Scopes:     scope.NewResolver(cfg.Tokens, "test-secret"),
	}

	return &testEnv{handler: Router(deps), location: locationStore}
}

func (e *testEnv) get(t *testing.T, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestRootRoute(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != fmt.Sprintf("max-age=%d", MaxAgeRoot) {
		t.Errorf("unexpected Cache-Control %q", got)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if _, ok := body["here are our routes"]; !ok {
		t.Errorf("route index missing from body: %v", body)
	}
}

func TestUsersRoute(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/users", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != fmt.Sprintf("max-age=%d", MaxAgeUsers) {
		t.Errorf("unexpected Cache-Control %q", got)
	}

	var users []struct {
		Username string `json:"username"`
		Name     string `json:"name"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &users); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(users) != 2 || users[0].Username != "alice" || users[1].Username != "bob" {
		t.Errorf("expected sorted [alice bob], got %+v", users)
	}

	// listing is stable across requests
	again := env.get(t, "/users", nil)
	if again.Body.String() != rec.Body.String() {
		t.Error("user listing changed between requests")
	}
}

func TestUserByPath(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/user/alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != fmt.Sprintf("max-age=%d", MaxAgeUser) {
		t.Errorf("unexpected Cache-Control %q", got)
	}

	var view struct {
		Name     string          `json:"name"`
		TimeZone string          `json:"time_zone"`
		Discord  json.RawMessage `json:"discord"`
		Location json.RawMessage `json:"location"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if view.Name != "Alice" || view.TimeZone != "Europe/Berlin" {
		t.Errorf("unexpected view: %+v", view)
	}
	if string(view.Discord) != "null" || string(view.Location) != "null" {
		t.Errorf("absent sources must serialize as null: discord=%s location=%s", view.Discord, view.Location)
	}
}

func TestUserNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/user/nobody", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != 10001 {
		t.Errorf("unexpected error code %d", body.Code)
	}
}

func TestRouteNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	var body struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != 10002 {
		t.Errorf("unexpected error code %d", body.Code)
	}
}

func TestHostUser(t *testing.T) {
	env := newTestEnv(t)

	t.Run("configured host", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/user", nil)
		req.Host = "alice.example"
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var view struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
			t.Fatal(err)
		}
		if view.Name != "Alice" {
			t.Errorf("expected alice's view, got %+v", view)
		}
	})

	t.Run("host with port", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/user", nil)
		req.Host = "bob.example:8443"
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("unknown host", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/user", nil)
		req.Host = "stranger.example"
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestHostRewriteStripsAPIPrefix(t *testing.T) {
	env := newTestEnv(t)

	t.Run("vanity host", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
		req.Host = "alice.example"
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected /api/user to reach /user, got %d", rec.Code)
		}
	})

	t.Run("bare api path becomes root", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api", nil)
		req.Host = "alice.example"
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected /api to reach the route index, got %d", rec.Code)
		}
	})

	t.Run("general host untouched", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
		req.Host = "api.example"
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 on a non-vanity host, got %d", rec.Code)
		}
	})
}

func TestScopeGatedLocation(t *testing.T) {
	env := newTestEnv(t)
	env.location.Set("alice-phone", icloud.DeviceInfo{
		Country:   "Austria",
		Locality:  "Vienna",
		Latitude:  48.2,
		Longitude: 16.37,
	})

	type locBody struct {
		TimeZone string `json:"time_zone"`
		Location struct {
			Country   string   `json:"country"`
			Locality  *string  `json:"locality"`
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
		} `json:"location"`
	}

	decode := func(t *testing.T, rec *httptest.ResponseRecorder) locBody {
		t.Helper()
		var body locBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return body
	}

	t.Run("anonymous", func(t *testing.T) {
		body := decode(t, env.get(t, "/user/alice", nil))
		if body.Location.Country != "Austria" {
			t.Errorf("country must always be present: %+v", body.Location)
		}
		if body.Location.Locality != nil || body.Location.Latitude != nil {
			t.Errorf("anonymous request leaked location detail: %+v", body.Location)
		}
		if body.TimeZone != "Europe/Berlin" {
			t.Errorf("unexpected time zone %q", body.TimeZone)
		}
	})

	t.Run("city token", func(t *testing.T) {
		body := decode(t, env.get(t, "/user/alice", map[string]string{"Authorization": "Bearer city-token"}))
		if body.Location.Locality == nil || *body.Location.Locality != "Vienna" {
			t.Errorf("city token must reveal locality: %+v", body.Location)
		}
		if body.Location.Latitude != nil {
			t.Error("city token must not reveal coordinates")
		}
	})

	t.Run("full token", func(t *testing.T) {
		body := decode(t, env.get(t, "/user/alice", map[string]string{"Authorization": "Bearer full-token"}))
		if body.Location.Latitude == nil || *body.Location.Latitude != 48.2 {
			t.Errorf("full token must reveal coordinates: %+v", body.Location)
		}
		if body.TimeZone != "Europe/Vienna" {
			t.Errorf("full token must carry the derived time zone, got %q", body.TimeZone)
		}
	})

	t.Run("garbage token fails open", func(t *testing.T) {
		rec := env.get(t, "/user/alice", map[string]string{"Authorization": "Bearer not-a-real-token"})
		if rec.Code != http.StatusOK {
			t.Fatalf("invalid tokens must degrade to anonymous, got %d", rec.Code)
		}
		body := decode(t, rec)
		if body.Location.Locality != nil {
			t.Error("invalid token must not grant scopes")
		}
	})
}

func TestCORSHeader(t *testing.T) {
	env := newTestEnv(t)

	t.Run("with origin", func(t *testing.T) {
		rec := env.get(t, "/users", map[string]string{"Origin": "https://somewhere.example"})
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("expected wildcard CORS header, got %q", got)
		}
	})

	// the header is part of the response contract for every client, not
	// just browsers sending an Origin
	t.Run("without origin", func(t *testing.T) {
		rec := env.get(t, "/users", nil)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("expected wildcard CORS header on origin-less request, got %q", got)
		}
	})

	t.Run("on errors", func(t *testing.T) {
		rec := env.get(t, "/user/nobody", nil)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("expected wildcard CORS header on 404, got %q", got)
		}
	})
}

func TestHealthRoute(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected health body: %v", body)
	}
}
