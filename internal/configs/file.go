package configs

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML document holding everything that describes the
// fixed set of known users and the third-party sources feeding them.
// It is read once at startup and never reloaded.
type FileConfig struct {
	// DiscordBotToken authenticates the gateway connection. When empty the
	// presence source is not started.
	DiscordBotToken string `yaml:"discord_bot_token"`

	// DiscordInitialSearchGuilds lists the guilds whose member presences are
	// requested once at connect time.
	DiscordInitialSearchGuilds []uint64 `yaml:"discord_initial_search_guilds"`

	// LastFMKey is the Last.fm API key. Empty disables the scrobble source.
	LastFMKey string `yaml:"last_fm_key"`

	// SteamAPIKey is the Steam Web API key. Empty disables the game source.
	SteamAPIKey string `yaml:"steam_api_key"`

	// SteamAppCatalog optionally points at a GetAppList-shaped JSON file
	// used to seed the app-id to game-name catalog before the first
	// scheduled catalog refresh.
	SteamAppCatalog string `yaml:"steam_app_catalog"`

	// BlueBubblesServer is the base URL of the BlueBubbles instance serving
	// FindMy device locations. Empty disables the location source.
	BlueBubblesServer string `yaml:"bluebubbles_server"`

	// BlueBubblesPassword authenticates against BlueBubblesServer.
	BlueBubblesPassword string `yaml:"bluebubbles_server_password"`

	// Tokens maps static bearer tokens to the scopes they grant.
	Tokens map[string][]string `yaml:"tokens"`

	// Users maps the canonical username to its directory record.
	Users map[string]UserConfig `yaml:"users"`
}

// UserConfig describes one known user and their per-source identifiers.
// Zero values mean the user is not registered with that source.
type UserConfig struct {
	Name           string   `yaml:"name"`
	Aliases        []string `yaml:"aliases"`
	Pronouns       []string `yaml:"pronouns"`
	TimeZone       string   `yaml:"time_zone"`
	OwnerUsernames []string `yaml:"owner_usernames"`

	// Domain is the user's vanity hostname; requests arriving with this
	// Host header resolve to this user.
	Domain string `yaml:"domain"`

	DiscordID      uint64 `yaml:"discord_id"`
	LastFMUsername string `yaml:"last_fm_username"`
	SteamID        uint64 `yaml:"steam_id"`
	ICloudDeviceID string `yaml:"icloud_device_id"`
}

// LoadFileConfig reads and validates the YAML configuration file.
func LoadFileConfig(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	cfg := &FileConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}

	return cfg, nil
}

// validate enforces the per-user requirements and normalizes optional
// list fields so later layers can rely on non-nil slices.
func (c *FileConfig) validate() error {
	if len(c.Users) == 0 {
		return fmt.Errorf("no users configured")
	}

	for username, user := range c.Users {
		if username == "" {
			return fmt.Errorf("empty username key in users table")
		}
		if user.Name == "" {
			return fmt.Errorf("user %q: name is required", username)
		}

		if user.TimeZone == "" {
			user.TimeZone = "UTC"
		}
		if user.Aliases == nil {
			user.Aliases = []string{}
		}
		if user.Pronouns == nil {
			user.Pronouns = []string{}
		}
		if user.OwnerUsernames == nil {
			user.OwnerUsernames = []string{}
		}

		for _, owner := range user.OwnerUsernames {
			if _, ok := c.Users[owner]; !ok {
				return fmt.Errorf("user %q: owner %q is not a configured user", username, owner)
			}
		}

		c.Users[username] = user
	}

	return nil
}
