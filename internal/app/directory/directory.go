/*
Package directory holds the static, read-only table of known users.

The directory is built once at startup from configuration and never
mutated afterwards, so it needs no locking: request handlers, the
aggregation service, and the source fetchers all read it concurrently.
It also owns the hostname-to-username routing table, built from the same
source data so the two can never diverge.
*/
package directory

import (
	"sort"
	"strings"

	"presenced/internal/configs"
	"presenced/internal/pkg/logx"
)

// User is one immutable directory record with the per-source identifiers
// needed to translate the canonical username into source-cache keys.
type User struct {
	Username       string
	Name           string
	Aliases        []string
	Pronouns       []string
	TimeZone       string
	OwnerUsernames []string
	Domain         string

	// Per-source identifiers. Zero values mean not registered with that source.
	DiscordID      uint64
	LastFMUsername string
	SteamID        uint64
	ICloudDeviceID string
}

// Summary is the minimal public listing entry served by GET /users.
type Summary struct {
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Directory is the immutable user table plus the inverted domain table.
type Directory struct {
	users     map[string]*User
	domains   map[string]string
	summaries []Summary
}

// New builds the Directory from validated configuration. Usernames are
// processed in sorted order so that domain collisions resolve
// deterministically: the lexicographically first username keeps the
// domain and later claimants are logged and ignored.
func New(cfg *configs.FileConfig) *Directory {
	usernames := make([]string, 0, len(cfg.Users))
	for username := range cfg.Users {
		usernames = append(usernames, username)
	}
	sort.Strings(usernames)

	d := &Directory{
		users:     make(map[string]*User, len(cfg.Users)),
		domains:   make(map[string]string),
		summaries: make([]Summary, 0, len(cfg.Users)),
	}

	for _, username := range usernames {
		uc := cfg.Users[username]

		d.users[username] = &User{
			Username:       username,
			Name:           uc.Name,
			Aliases:        uc.Aliases,
			Pronouns:       uc.Pronouns,
			TimeZone:       uc.TimeZone,
			OwnerUsernames: uc.OwnerUsernames,
			Domain:         uc.Domain,
			DiscordID:      uc.DiscordID,
			LastFMUsername: uc.LastFMUsername,
			SteamID:        uc.SteamID,
			ICloudDeviceID: uc.ICloudDeviceID,
		}

		d.summaries = append(d.summaries, Summary{Username: username, Name: uc.Name})

		if uc.Domain == "" {
			continue
		}
		if holder, taken := d.domains[uc.Domain]; taken {
			logx.Warn("Domain claimed by multiple users, keeping first",
				"domain", uc.Domain,
				"holder", holder,
				"ignored", username,
			)
			continue
		}
		d.domains[uc.Domain] = username
	}

	return d
}

// Lookup returns the user record for the given username.
func (d *Directory) Lookup(username string) (*User, bool) {
	user, ok := d.users[username]
	return user, ok
}

// ResolveHost maps an inbound hostname (without port) to a username.
func (d *Directory) ResolveHost(hostname string) (string, bool) {
	username, ok := d.domains[hostname]
	return username, ok
}

// HasDomain reports whether the hostname belongs to a configured user.
// Used by the host-rewrite middleware to decide whether to strip the
// external /api prefix.
func (d *Directory) HasDomain(hostname string) bool {
	_, ok := d.domains[hostname]
	return ok
}

// Summaries returns the precomputed, sorted user listing. The slice is
// computed once at construction; callers must not modify it.
func (d *Directory) Summaries() []Summary {
	return d.summaries
}

// LastFMUsernames returns the scrobble-source working set.
func (d *Directory) LastFMUsernames() []string {
	var names []string
	for _, username := range d.sortedUsernames() {
		if u := d.users[username]; u.LastFMUsername != "" {
			names = append(names, u.LastFMUsername)
		}
	}
	return names
}

// SteamIDs returns the game-source working set.
func (d *Directory) SteamIDs() []uint64 {
	var ids []uint64
	for _, username := range d.sortedUsernames() {
		if u := d.users[username]; u.SteamID != 0 {
			ids = append(ids, u.SteamID)
		}
	}
	return ids
}

func (d *Directory) sortedUsernames() []string {
	names := make([]string, 0, len(d.users))
	for username := range d.users {
		names = append(names, username)
	}
	sort.Strings(names)
	return names
}

// HostnameFromHeader strips an optional port from a Host header value.
func HostnameFromHeader(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
