package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/thenexusengine/tne_appylar/internal/config"
	"github.com/thenexusengine/tne_appylar/internal/creative"
)

// storedCreative is the persisted form of one buffered creative
type storedCreative struct {
	ID          int64     `json:"id"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Scale       float64   `json:"scale"`
	Orientation string    `json:"orientation"`
	Type        string    `json:"type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Markup      string    `json:"html"`
	ClickURL    string    `json:"url"`
}

func toStored(c creative.Creative) storedCreative {
	return storedCreative{
		ID:          c.ID,
		Width:       c.Width,
		Height:      c.Height,
		Scale:       c.Scale,
		Orientation: string(c.Orientation),
		Type:        string(c.Type),
		ExpiresAt:   c.ExpiresAt,
		Markup:      c.Markup,
		ClickURL:    c.ClickURL,
	}
}

func (s storedCreative) creative() creative.Creative {
	return creative.Creative{
		ID:          s.ID,
		Width:       s.Width,
		Height:      s.Height,
		Scale:       s.Scale,
		Orientation: creative.Orientation(s.Orientation),
		Type:        creative.AdType(s.Type),
		ExpiresAt:   s.ExpiresAt,
		Markup:      s.Markup,
		ClickURL:    s.ClickURL,
	}
}

// BufferStore persists the unshown creative buffer so a restarted engine
// does not start empty. The whole buffer lives in one hash whose TTL is the
// latest creative expiry.
type BufferStore struct {
	client *Client
	key    string
	clock  clockwork.Clock
}

// NewBufferStore creates a store for one app. A nil clock uses the real clock.
func NewBufferStore(client *Client, appID string, clock clockwork.Clock) *BufferStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BufferStore{
		client: client,
		key:    config.BufferKeyPrefix + appID,
		clock:  clock,
	}
}

// Key returns the redis key holding the buffer
func (s *BufferStore) Key() string {
	return s.key
}

// Save replaces the persisted buffer with creatives. Already expired
// creatives are not written.
func (s *BufferStore) Save(ctx context.Context, creatives []creative.Creative) error {
	ctx, cancel := context.WithTimeout(ctx, config.BufferStoreTimeout)
	defer cancel()

	now := s.clock.Now()
	fields := make(map[string]string, len(creatives))
	var latest time.Time

	// Field names carry the position so duplicate creatives survive
	for i, c := range creatives {
		if c.Expired(now) {
			continue
		}
		data, err := json.Marshal(toStored(c))
		if err != nil {
			return fmt.Errorf("failed to encode creative %d: %w", c.ID, err)
		}
		fields[strconv.Itoa(i)+":"+strconv.FormatInt(c.ID, 10)] = string(data)
		if c.ExpiresAt.After(latest) {
			latest = c.ExpiresAt
		}
	}

	if err := s.client.ReplaceHash(ctx, s.key, fields, latest.Sub(now)); err != nil {
		return fmt.Errorf("failed to save buffer: %w", err)
	}

	log.Debug().
		Str("key", s.key).
		Int("creatives", len(fields)).
		Msg("Buffer persisted")
	return nil
}

// Load returns the persisted, still unexpired creatives. Entries that fail
// to decode are skipped.
func (s *BufferStore) Load(ctx context.Context) ([]creative.Creative, error) {
	ctx, cancel := context.WithTimeout(ctx, config.BufferStoreTimeout)
	defer cancel()

	raw, err := s.client.HGetAll(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to load buffer: %w", err)
	}

	fieldNames := make([]string, 0, len(raw))
	for field := range raw {
		fieldNames = append(fieldNames, field)
	}
	sort.Slice(fieldNames, func(i, j int) bool {
		return fieldPosition(fieldNames[i]) < fieldPosition(fieldNames[j])
	})

	now := s.clock.Now()
	out := make([]creative.Creative, 0, len(raw))
	for _, field := range fieldNames {
		var sc storedCreative
		if err := json.Unmarshal([]byte(raw[field]), &sc); err != nil {
			log.Warn().Err(err).Str("field", field).Msg("Skipping undecodable buffered creative")
			continue
		}
		c := sc.creative()
		if !c.Orientation.Valid() || !c.Type.Valid() || c.Expired(now) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func fieldPosition(field string) int {
	pos, _, _ := strings.Cut(field, ":")
	n, err := strconv.Atoi(pos)
	if err != nil {
		return -1
	}
	return n
}
