/*
Package aggregate composes per-user views across all source caches.

Aggregation is entirely in-memory: one directory lookup, one non-blocking
read per source cache, and the scope-gated location redaction. Absent
identifiers and absent cache entries become null fields, never errors; a
request handler can only ever distinguish "present" from "absent", not
"failing upstream".
*/
package aggregate

import (
	"presenced/internal/app/directory"
	"presenced/internal/app/fetcher/discord"
	"presenced/internal/app/fetcher/icloud"
	"presenced/internal/app/fetcher/lastfm"
	"presenced/internal/app/fetcher/steam"
	"presenced/internal/app/source"
)

// View is the per-request aggregate of one user's data across all
// sources. Source fields serialize as null when the user is not
// registered with the source or no snapshot exists yet.
type View struct {
	Name     string   `json:"name"`
	Aliases  []string `json:"aliases"`
	Pronouns []string `json:"pronouns"`
	TimeZone string   `json:"time_zone"`

	Discord  *discord.UserInfo `json:"discord"`
	LastFM   *lastfm.UserInfo  `json:"last_fm"`
	Steam    *steam.UserInfo   `json:"steam"`
	Location *icloud.Location  `json:"location"`
}

// LocationSource is the redacting read path of the location cache.
type LocationSource interface {
	Lookup(deviceID string, scopes []string) *icloud.Location
}

// Service reads across the source caches. All dependencies are handed in
// at startup; the service itself holds no mutable state.
type Service struct {
	dir      *directory.Directory
	discord  *source.Store[uint64, discord.UserInfo]
	lastfm   *source.Store[string, lastfm.UserInfo]
	steam    *source.Store[uint64, steam.UserInfo]
	location LocationSource
}

// NewService wires the aggregation service to its caches.
func NewService(
	dir *directory.Directory,
	discordStore *source.Store[uint64, discord.UserInfo],
	lastfmStore *source.Store[string, lastfm.UserInfo],
	steamStore *source.Store[uint64, steam.UserInfo],
	location LocationSource,
) *Service {
	return &Service{
		dir:      dir,
		discord:  discordStore,
		lastfm:   lastfmStore,
		steam:    steamStore,
		location: location,
	}
}

// Aggregate builds the view for username under the given scopes. The
// second return value is false when the username is not in the
// directory; that is the only failure mode.
func (s *Service) Aggregate(username string, scopes []string) (*View, bool) {
	user, ok := s.dir.Lookup(username)
	if !ok {
		return nil, false
	}

	view := &View{
		Name:     user.Name,
		Aliases:  user.Aliases,
		Pronouns: user.Pronouns,
		TimeZone: user.TimeZone,
	}

	if user.DiscordID != 0 {
		if snapshot, ok := s.discord.Get(user.DiscordID); ok {
			view.Discord = &snapshot
		}
	}

	if user.LastFMUsername != "" {
		if snapshot, ok := s.lastfm.Get(user.LastFMUsername); ok {
			view.LastFM = &snapshot
		}
	}

	if user.SteamID != 0 {
		if snapshot, ok := s.steam.Get(user.SteamID); ok {
			view.Steam = &snapshot
		}
	}

	if user.ICloudDeviceID != "" {
		if loc := s.location.Lookup(user.ICloudDeviceID, scopes); loc != nil {
			// A derivable time zone overrides the static default. The
			// redacted view is request-scoped, so hoisting it out is safe.
			if loc.TimeZone != "" {
				view.TimeZone = loc.TimeZone
				loc.TimeZone = ""
			}
			view.Location = loc
		}
	}

	return view, true
}
