package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"presenced/internal/pkg/logx"
	"presenced/internal/pkg/metrics"
)

// appListResponse mirrors ISteamApps/GetAppList v2, and doubles as the
// format of the optional on-disk catalog seed file.
type appListResponse struct {
	AppList struct {
		Apps []struct {
			AppID uint64 `json:"appid"`
			Name  string `json:"name"`
		} `json:"apps"`
	} `json:"applist"`
}

// toCatalog flattens the app list into the id-to-name map.
func (r *appListResponse) toCatalog() map[uint64]string {
	catalog := make(map[uint64]string, len(r.AppList.Apps))
	for _, app := range r.AppList.Apps {
		catalog[app.AppID] = app.Name
	}
	return catalog
}

// SeedCatalog loads the app catalog from a GetAppList-shaped JSON file.
// Called once before Run so that game names resolve before the first
// scheduled catalog refresh.
func (f *Fetcher) SeedCatalog(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog seed %q: %w", path, err)
	}

	var body appListResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("parse catalog seed %q: %w", path, err)
	}

	f.catalog.Replace(body.toCatalog())
	logx.Info("Seeded Steam app catalog", "apps", f.catalog.Len())
	return nil
}

// runCatalogLoop refreshes the app catalog on its own, much slower,
// schedule. The ticker's first fire is one full interval out, which is
// what defers the initial fetch.
func (f *Fetcher) runCatalogLoop(ctx context.Context) {
	ticker := time.NewTicker(f.CatalogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.refreshCatalog(ctx)
		}
	}
}

// refreshCatalog fetches the full app list and swaps the catalog
// wholesale. On failure the previous catalog stays in place.
func (f *Fetcher) refreshCatalog(ctx context.Context) {
	var body appListResponse
	if err := f.getJSON(ctx, f.BaseURL+"/ISteamApps/GetAppList/v2", &body); err != nil {
		if ctx.Err() != nil {
			return
		}
		logx.Error(err, "Failed to refresh Steam app catalog")
		return
	}

	f.catalog.Replace(body.toCatalog())
	logx.Info("Refreshed Steam app catalog", "apps", f.catalog.Len())
	metrics.SetSnapshots("steam_catalog", f.catalog.Len())
}
