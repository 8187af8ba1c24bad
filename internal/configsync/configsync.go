// Package configsync mirrors environment-provided settings into the record
// store so they flow to peers like any other data. A replica that comes up
// against a shared external store inherits the settings of the replica that
// wrote them last.
package configsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/flowslide/tiersync/internal/clock"
	"github.com/flowslide/tiersync/internal/config"
	"github.com/flowslide/tiersync/internal/store"
	"github.com/flowslide/tiersync/internal/types"
)

// MirrorInterval is the cadence at which settings are re-checked against the
// store.
const MirrorInterval = 30 * time.Second

// Setting is the payload shape of a mirrored config record.
type Setting struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// Update is published whenever a mirrored setting changes value in the store,
// whether written locally or arrived via sync.
type Update struct {
	Key   string
	Value string
}

// Mirror keeps the mirrored settings and the record store in agreement.
type Mirror struct {
	local    store.Adapter
	clk      clock.Clock
	settings map[string]string

	updates chan Update
	// last holds the payload hash seen per key, to publish only real changes.
	last map[string]string
}

// New builds a mirror over the local store. settings is the env-provided
// value set (config.Config.Settings).
func New(local store.Adapter, clk clock.Clock, settings map[string]string) *Mirror {
	if clk == nil {
		clk = clock.NewSystem()
	}
	copied := make(map[string]string, len(settings))
	for k, v := range settings {
		copied[k] = v
	}
	return &Mirror{
		local:    local,
		clk:      clk,
		settings: copied,
		updates:  make(chan Update, 16),
		last:     make(map[string]string),
	}
}

// Updates is the stream of observed setting changes. Slow consumers drop
// notifications rather than block the mirror.
func (m *Mirror) Updates() <-chan Update { return m.updates }

// recordID maps an env key to its record id.
func recordID(key string) string { return strings.ToLower(key) }

// typeFor routes AI provider settings to their own record type; everything
// else is a system config.
func typeFor(key string) types.DataType {
	switch key {
	case "OPENAI_API_KEY", "OPENAI_BASE_URL", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL":
		return types.TypeAIProviderConfigs
	default:
		return types.TypeSystemConfigs
	}
}

// Run mirrors once immediately, then on every tick until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	if err := m.MirrorOnce(ctx); err != nil {
		log.Printf("configsync: %v", err)
	}
	ticker := time.NewTicker(MirrorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.MirrorOnce(ctx); err != nil {
				log.Printf("configsync: %v", err)
			}
		}
	}
}

// MirrorOnce pushes changed env values into the store and surfaces values
// that changed underneath us (synced in from a peer). Env always wins for
// keys the environment provides; store-only keys are observed, not deleted.
func (m *Mirror) MirrorOnce(ctx context.Context) error {
	var firstErr error
	for _, key := range config.MirroredKeys() {
		if err := m.mirrorKey(ctx, key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mirror %s: %w", key, err)
		}
	}
	return firstErr
}

func (m *Mirror) mirrorKey(ctx context.Context, key string) error {
	typ := typeFor(key)
	id := recordID(key)
	envVal, fromEnv := m.settings[key]

	cur, err := m.local.Get(ctx, typ, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	var stored *Setting
	if cur != nil && !cur.Deleted {
		var s Setting
		if err := json.Unmarshal(cur.Payload, &s); err == nil {
			stored = &s
		}
	}

	switch {
	case fromEnv && (stored == nil || stored.Value != envVal):
		payload, err := json.Marshal(Setting{
			Key:       key,
			Value:     envVal,
			Sensitive: config.IsSensitiveKey(key),
		})
		if err != nil {
			return err
		}
		rec := &types.Record{
			Type:      typ,
			ID:        id,
			Payload:   payload,
			UpdatedAt: m.clk.NowMillis(),
			Origin:    types.OriginLocal,
			Version:   1,
		}
		if cur != nil {
			rec.Version = cur.Version + 1
		}
		if err := m.local.Put(ctx, rec); err != nil {
			if errors.Is(err, store.ErrSuperseded) {
				return nil
			}
			return err
		}
		m.publish(key, envVal)

	case !fromEnv && stored != nil:
		// A peer supplied a value we do not have locally; surface it.
		m.publishIfChanged(key, stored.Value, cur.PayloadHash())

	case fromEnv && stored != nil:
		m.publishIfChanged(key, stored.Value, cur.PayloadHash())
	}
	return nil
}

func (m *Mirror) publishIfChanged(key, value, hash string) {
	if m.last[key] == hash {
		return
	}
	m.last[key] = hash
	select {
	case m.updates <- Update{Key: key, Value: value}:
	default:
	}
}

func (m *Mirror) publish(key, value string) {
	delete(m.last, key)
	select {
	case m.updates <- Update{Key: key, Value: value}:
	default:
	}
}
