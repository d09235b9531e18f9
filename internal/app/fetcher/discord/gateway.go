/*
Package discord maintains the streaming presence source.

Instead of polling, this source holds a long-lived gateway websocket.
The working set is announced once per connection: after identifying, a
member-chunk request goes out for every configured guild, and presence
updates then arrive as discrete push events applied one user at a time.
The connection is treated as inherently unreliable: any read error,
protocol fault, or panic while handling an event tears the connection
down and a fresh one is dialed after a fixed backoff, forever. A broken
gateway is never fatal to the process and never touches existing
snapshots.
*/
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"presenced/internal/app/source"
	"presenced/internal/pkg/logx"
	"presenced/internal/pkg/metrics"
)

const (
	// DefaultGatewayURL is the Discord gateway endpoint.
	DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	// reconnectBackoff is the fixed delay between connection attempts.
	reconnectBackoff = 30 * time.Second

	// writeWait bounds every write to the websocket connection.
	writeWait = 10 * time.Second

	// helloWait bounds how long a fresh connection may take to send its
	// hello frame.
	helloWait = 10 * time.Second

	// readWait bounds the silence tolerated on the connection; the
	// gateway heartbeat-acks far more often than this.
	readWait = 5 * time.Minute

	sourceName = "discord"
)

// Gateway opcodes.
const (
	opDispatch            = 0
	opHeartbeat           = 1
	opIdentify            = 2
	opReconnect           = 7
	opRequestGuildMembers = 8
	opInvalidSession      = 9
	opHello               = 10
	opHeartbeatAck        = 11
)

// intentGuildMembers | intentGuildPresences
const identifyIntents = (1 << 1) | (1 << 8)

// State is the connection state of the reconnect machine.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Gateway owns the presence source cache and the streaming connection
// feeding it.
type Gateway struct {
	store  *source.Store[uint64, UserInfo]
	token  string
	guilds []uint64
	names  *nameResolver

	// GatewayURL may be overridden in tests.
	GatewayURL string

	// Backoff between reconnect attempts.
	Backoff time.Duration

	state   atomic.Int32
	lastSeq atomic.Int64

	// writeMu serializes writes to the current connection; the heartbeat
	// goroutine and the event loop both send frames.
	writeMu sync.Mutex
	conn    *websocket.Conn

	logger zerolog.Logger
}

// NewGateway builds the streaming source.
func NewGateway(store *source.Store[uint64, UserInfo], token string, guilds []uint64) (*Gateway, error) {
	names, err := newNameResolver(token, DefaultRESTBaseURL)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		store:      store,
		token:      token,
		guilds:     guilds,
		names:      names,
		GatewayURL: DefaultGatewayURL,
		Backoff:    reconnectBackoff,
		logger:     logx.Logger().With().Str("component", "discord_gateway").Logger(),
	}, nil
}

// State returns the current connection state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

func (g *Gateway) setState(s State) {
	g.state.Store(int32(s))
	g.logger.Info().Str("state", s.String()).Msg("Gateway state changed")
}

// Run drives the reconnect loop until ctx is done. Every exit from the
// streaming session, panics included, funnels into the same fixed
// backoff; retries are unbounded.
func (g *Gateway) Run(ctx context.Context) {
	g.logger.Info().Int("guilds", len(g.guilds)).Msg("Started Discord fetcher")

	for {
		g.setState(StateConnecting)

		err := g.connectAndStream(ctx)
		if ctx.Err() != nil {
			return
		}

		g.logger.Error().Err(err).Dur("backoff", g.Backoff).Msg("Gateway session ended, reconnecting after backoff")
		g.setState(StateBackoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(g.Backoff):
		}
	}
}

// connectAndStream runs one full gateway session: dial, hello/identify
// handshake, chunk requests, then the event loop until something breaks.
// A panic anywhere in the session is converted into an error return so
// the reconnect loop can treat it like any other stream fault.
func (g *Gateway) connectAndStream(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gateway session panicked: %v", r)
		}
	}()

	// sequence numbers are per-session; a fresh identify must not
	// heartbeat with the previous session's sequence
	g.lastSeq.Store(0)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.GatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	g.writeMu.Lock()
	g.conn = conn
	g.writeMu.Unlock()

	heartbeatInterval, err := g.readHello(conn)
	if err != nil {
		return err
	}

	if err := g.sendIdentify(); err != nil {
		return err
	}

	// The session dies with this function; the heartbeat goroutine must
	// not outlive it.
	done := make(chan struct{})
	defer close(done)
	go g.heartbeatLoop(done, heartbeatInterval)

	g.setState(StateStreaming)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read gateway frame: %w", err)
		}

		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			g.logger.Warn().Err(err).Msg("Gateway sent invalid JSON, skipping frame")
			continue
		}

		if p.S != 0 {
			g.lastSeq.Store(p.S)
		}

		switch p.Op {
		case opDispatch:
			g.handleDispatch(ctx, p.T, p.D)

		case opHeartbeat:
			if err := g.sendHeartbeat(); err != nil {
				return fmt.Errorf("answer heartbeat request: %w", err)
			}

		case opReconnect:
			return fmt.Errorf("gateway requested reconnect")

		case opInvalidSession:
			return fmt.Errorf("gateway invalidated the session")

		case opHeartbeatAck:
			// nothing to do

		default:
			g.logger.Debug().Int("op", p.Op).Msg("Ignoring gateway opcode")
		}
	}
}

// payload is the gateway frame envelope.
type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// readHello consumes the initial op 10 frame and returns the heartbeat interval.
func (g *Gateway) readHello(conn *websocket.Conn) (time.Duration, error) {
	if err := conn.SetReadDeadline(time.Now().Add(helloWait)); err != nil {
		return 0, fmt.Errorf("set read deadline: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("read hello: %w", err)
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, fmt.Errorf("decode hello: %w", err)
	}
	if p.Op != opHello {
		return 0, fmt.Errorf("expected hello opcode %d, got %d", opHello, p.Op)
	}

	var hello struct {
		HeartbeatInterval float64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(p.D, &hello); err != nil {
		return 0, fmt.Errorf("decode hello data: %w", err)
	}
	if hello.HeartbeatInterval <= 0 {
		return 0, fmt.Errorf("hello carried invalid heartbeat interval %f", hello.HeartbeatInterval)
	}

	return time.Duration(hello.HeartbeatInterval) * time.Millisecond, nil
}

// send marshals and writes one frame under the write lock.
func (g *Gateway) send(v any) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if g.conn == nil {
		return fmt.Errorf("no active gateway connection")
	}

	if err := g.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	return g.conn.WriteJSON(v)
}

func (g *Gateway) sendIdentify() error {
	type properties struct {
		OS      string `json:"os"`
		Browser string `json:"browser"`
		Device  string `json:"device"`
	}

	return g.send(struct {
		Op int `json:"op"`
		D  struct {
			Token      string     `json:"token"`
			Intents    int        `json:"intents"`
			Properties properties `json:"properties"`
		} `json:"d"`
	}{
		Op: opIdentify,
		D: struct {
			Token      string     `json:"token"`
			Intents    int        `json:"intents"`
			Properties properties `json:"properties"`
		}{
			Token:      g.token,
			Intents:    identifyIntents,
			Properties: properties{OS: "linux", Browser: "presenced", Device: "presenced"},
		},
	})
}

func (g *Gateway) sendHeartbeat() error {
	var seq any
	if s := g.lastSeq.Load(); s != 0 {
		seq = s
	}

	return g.send(struct {
		Op int `json:"op"`
		D  any `json:"d"`
	}{Op: opHeartbeat, D: seq})
}

// heartbeatLoop keeps the session alive until done closes. A failed
// heartbeat write is left for the read loop to notice: the broken
// connection makes the next read fail.
func (g *Gateway) heartbeatLoop(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := g.sendHeartbeat(); err != nil {
				g.logger.Warn().Err(err).Msg("Heartbeat write failed")
				return
			}
		}
	}
}

// requestGuildMembers announces the working set: one chunk request per
// configured guild, presences included.
func (g *Gateway) requestGuildMembers() {
	for _, guild := range g.guilds {
		g.logger.Info().Uint64("guild", guild).Msg("Requesting guild members")

		err := g.send(struct {
			Op int `json:"op"`
			D  struct {
				GuildID   string `json:"guild_id"`
				Query     string `json:"query"`
				Limit     int    `json:"limit"`
				Presences bool   `json:"presences"`
			} `json:"d"`
		}{
			Op: opRequestGuildMembers,
			D: struct {
				GuildID   string `json:"guild_id"`
				Query     string `json:"query"`
				Limit     int    `json:"limit"`
				Presences bool   `json:"presences"`
			}{
				GuildID:   strconv.FormatUint(guild, 10),
				Query:     "",
				Limit:     0,
				Presences: true,
			},
		})
		if err != nil {
			g.logger.Error().Err(err).Uint64("guild", guild).Msg("Failed to request guild members")
		}
	}
}

// handleDispatch routes op 0 events.
func (g *Gateway) handleDispatch(ctx context.Context, event string, data json.RawMessage) {
	metrics.GatewayEvent(event)

	switch event {
	case "READY":
		g.requestGuildMembers()

	case "GUILD_MEMBERS_CHUNK":
		g.handleMembersChunk(ctx, data)

	case "PRESENCE_UPDATE":
		var p presenceData
		if err := json.Unmarshal(data, &p); err != nil {
			g.logger.Warn().Err(err).Msg("Invalid PRESENCE_UPDATE payload")
			return
		}
		g.applyPresence(ctx, p)
	}
}

// presenceData mirrors the wire shape shared by PRESENCE_UPDATE events
// and the presences array of member chunks.
type presenceData struct {
	User struct {
		ID         string `json:"id"`
		Username   string `json:"username"`
		GlobalName string `json:"global_name"`
	} `json:"user"`
	Status       string `json:"status"`
	ClientStatus struct {
		Desktop string `json:"desktop"`
		Mobile  string `json:"mobile"`
		Web     string `json:"web"`
	} `json:"client_status"`
	Activities []activityData `json:"activities"`
}

type activityData struct {
	Type  int     `json:"type"`
	State *string `json:"state"`
	Emoji *struct {
		Name     string `json:"name"`
		ID       string `json:"id"`
		Animated *bool  `json:"animated"`
	} `json:"emoji"`
}

// handleMembersChunk primes names from the member list, then applies the
// chunk's presences like ordinary push events.
func (g *Gateway) handleMembersChunk(ctx context.Context, data json.RawMessage) {
	var chunk struct {
		Members []struct {
			User struct {
				ID         string `json:"id"`
				Username   string `json:"username"`
				GlobalName string `json:"global_name"`
			} `json:"user"`
		} `json:"members"`
		Presences []presenceData `json:"presences"`
	}

	if err := json.Unmarshal(data, &chunk); err != nil {
		g.logger.Warn().Err(err).Msg("Invalid GUILD_MEMBERS_CHUNK payload")
		return
	}

	g.logger.Info().
		Int("members", len(chunk.Members)).
		Int("presences", len(chunk.Presences)).
		Msg("Got guild members chunk")

	for _, member := range chunk.Members {
		name := member.User.GlobalName
		if name == "" {
			name = member.User.Username
		}
		g.names.prime(member.User.ID, name)
	}

	for _, presence := range chunk.Presences {
		g.applyPresence(ctx, presence)
	}
}

// applyPresence builds and commits one user's snapshot. A presence whose
// display name cannot be resolved is skipped rather than stored nameless.
func (g *Gateway) applyPresence(ctx context.Context, p presenceData) {
	userID, err := strconv.ParseUint(p.User.ID, 10, 64)
	if err != nil {
		g.logger.Warn().Str("user_id", p.User.ID).Msg("Presence carried an unparseable user id")
		return
	}

	if name := p.User.GlobalName; name != "" {
		g.names.prime(p.User.ID, name)
	} else if name := p.User.Username; name != "" {
		g.names.prime(p.User.ID, name)
	}

	displayName, err := g.names.displayName(ctx, p.User.ID)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", p.User.ID).Msg("Could not resolve display name, skipping presence")
		return
	}

	info := UserInfo{
		DisplayName:  displayName,
		Status:       OnlineStatus(p.Status),
		CustomStatus: customStatusOf(p.Activities),
	}

	if cs := p.ClientStatus; cs.Desktop != "" || cs.Mobile != "" || cs.Web != "" {
		info.ClientStatus = &ClientStatus{
			Desktop: OnlineStatus(cs.Desktop),
			Mobile:  OnlineStatus(cs.Mobile),
			Web:     OnlineStatus(cs.Web),
		}
	}

	g.store.Set(userID, info)
	metrics.SetSnapshots(sourceName, g.store.Len())
}

// activityCustomStatus is the activity type carrying a user-set status line.
const activityCustomStatus = 4

// customStatusOf extracts the custom status activity, if present.
func customStatusOf(activities []activityData) *CustomStatus {
	for _, activity := range activities {
		if activity.Type != activityCustomStatus {
			continue
		}

		status := &CustomStatus{}
		if activity.State != nil {
			status.Text = *activity.State
		}

		if e := activity.Emoji; e != nil {
			emoji := &Emoji{Name: e.Name}
			if e.ID != "" {
				emoji.ID = e.ID
				emoji.Animated = e.Animated
				animated := e.Animated != nil && *e.Animated
				emoji.URL = fmt.Sprintf("https://cdn.discordapp.com/emojis/%s.webp?size=160&animated=%t", e.ID, animated)
			}
			status.Emoji = emoji
		}

		return status
	}

	return nil
}
