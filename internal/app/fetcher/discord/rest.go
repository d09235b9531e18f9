package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto"
)

// DefaultRESTBaseURL is the Discord REST API root.
const DefaultRESTBaseURL = "https://discord.com/api/v10"

const nameCacheTTL = time.Hour

// nameResolver resolves a Discord user id to a display name. Names seen
// on the gateway (member chunks, enriched presence payloads) are primed
// into a ristretto cache; anything else falls back to one REST lookup.
type nameResolver struct {
	token   string
	baseURL string
	client  *http.Client
	cache   *ristretto.Cache
}

func newNameResolver(token, baseURL string) (*nameResolver, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create name cache: %w", err)
	}

	return &nameResolver{
		token:   token,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   cache,
	}, nil
}

// prime records a display name learned from a gateway payload.
func (n *nameResolver) prime(userID string, name string) {
	if name == "" {
		return
	}
	n.cache.SetWithTTL(userID, name, int64(len(name)), nameCacheTTL)
}

// displayName returns the cached name for userID, or fetches it from the
// REST API. The REST result is cached on success.
func (n *nameResolver) displayName(ctx context.Context, userID string) (string, error) {
	if cached, ok := n.cache.Get(userID); ok {
		if name, ok := cached.(string); ok {
			return name, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/users/"+userID, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bot "+n.token)

	res, err := n.client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discord user lookup answered status %d", res.StatusCode)
	}

	var body struct {
		Username   string `json:"username"`
		GlobalName string `json:"global_name"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode user: %w", err)
	}

	name := body.GlobalName
	if name == "" {
		name = body.Username
	}

	n.prime(userID, name)
	return name, nil
}
