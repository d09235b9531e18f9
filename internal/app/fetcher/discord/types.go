package discord

// OnlineStatus is the coarse presence status reported by the gateway.
type OnlineStatus string

const (
	StatusOnline    OnlineStatus = "online"
	StatusIdle      OnlineStatus = "idle"
	StatusDnd       OnlineStatus = "dnd"
	StatusOffline   OnlineStatus = "offline"
	StatusInvisible OnlineStatus = "invisible"
)

// UserInfo is the presence snapshot for one Discord user.
type UserInfo struct {
	DisplayName string       `json:"display_name"`
	Status      OnlineStatus `json:"status"`

	// ClientStatus breaks the status down per client surface when known.
	ClientStatus *ClientStatus `json:"client_status,omitempty"`

	// CustomStatus is the user-set status line, if any.
	CustomStatus *CustomStatus `json:"custom_status,omitempty"`
}

// ClientStatus holds the per-surface status values.
type ClientStatus struct {
	Desktop OnlineStatus `json:"desktop,omitempty"`
	Mobile  OnlineStatus `json:"mobile,omitempty"`
	Web     OnlineStatus `json:"web,omitempty"`
}

// CustomStatus is a user's custom status activity.
type CustomStatus struct {
	Emoji *Emoji `json:"emoji,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Emoji is the emoji attached to a custom status. Official (unicode)
// emoji carry only a name; guild emoji additionally carry an ID, an
// animation flag, and a CDN URL.
type Emoji struct {
	Name     string `json:"name"`
	ID       string `json:"id,omitempty"`
	Animated *bool  `json:"animated,omitempty"`
	URL      string `json:"url,omitempty"`
}
