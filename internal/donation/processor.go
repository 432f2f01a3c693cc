// Package donation consumes donation bus traffic: orders and stats snapshots are deduplicated through the session
// store's idempotency keys, persisted to the event log, and completed orders prompt a fresh stats snapshot.
package donation

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenfund/pulse/internal/event"
	"github.com/lumenfund/pulse/internal/jsonfile"
	"github.com/lumenfund/pulse/internal/metrics"
	"github.com/lumenfund/pulse/internal/session"
)

// statsFileName is the single-snapshot stats document kept next to the session store files.
const statsFileName = "donation_stats.json"

// Emitter publishes follow-up events to the bus. *bus.Publisher implements it.
type Emitter interface {
	Emit(ctx context.Context, name string, data map[string]any) bool
}

// statsFile is the on-disk stats document. Only the newest snapshot is kept; meta records its lineage.
type statsFile struct {
	Meta     statsMeta      `json:"meta"`
	Snapshot map[string]any `json:"snapshot"`
}

type statsMeta struct {
	CreatedAt   string `json:"created_at"`
	Version     int    `json:"version"`
	LastUpdated string `json:"last_updated"`
}

// Processor handles the donations queue. Orders are deduplicated by their order id, snapshots by their generation
// timestamp; payloads without either fall back to a content fingerprint.
type Processor struct {
	store     *session.Store
	emitter   Emitter
	metrics   *metrics.Registry
	log       zerolog.Logger
	statsPath string
}

// New creates a processor persisting the stats document under dataDir.
func New(store *session.Store, emitter Emitter, dataDir string, reg *metrics.Registry, logger zerolog.Logger) *Processor {
	return &Processor{
		store:     store,
		emitter:   emitter,
		metrics:   reg,
		log:       logger.With().Str("component", "donation").Logger(),
		statsPath: filepath.Join(dataDir, statsFileName),
	}
}

// HandleBusEvent processes one donation event. It never fails: duplicates are dropped silently and persistence
// problems only log.
func (p *Processor) HandleBusEvent(ctx context.Context, env event.Envelope) error {
	switch env.Event {
	case event.DonationCreated, event.DonationUpdated:
		p.handleOrder(ctx, env)
	case event.DonationStatsSnapshot:
		p.handleSnapshot(env)
	default:
		p.log.Debug().Str("event", env.Event).Msg("Ignoring unexpected donation event")
	}
	return nil
}

func (p *Processor) handleOrder(ctx context.Context, env event.Envelope) {
	payload := env.Data
	orderID := event.Text(payload["order_id"])

	key := "donation:order:" + orderID
	if orderID == "" {
		key = "donation:raw:" + env.Fingerprint()
	}

	if p.store.Exists(key) {
		p.dropDuplicate(env.Event, key)
		return
	}
	p.store.Set(key)
	p.store.StoreEvent(env.Event, payload)
	p.log.Info().Str("event", env.Event).Str("order_id", orderID).Msg("Donation recorded")

	if strings.EqualFold(event.Text(payload["status"]), "COMPLETED") {
		p.requestSnapshot(ctx)
	}
}

func (p *Processor) handleSnapshot(env event.Envelope) {
	payload := env.Data

	// The processor's own snapshot requests travel on the same routing key; consuming them back would loop.
	if event.Text(payload["source"]) == "donation_consumer" {
		p.log.Debug().Msg("Skipping self-emitted stats request")
		return
	}

	generatedAt := event.Text(payload["generated_at"])
	key := "donation:snapshot:" + generatedAt
	if generatedAt == "" {
		key = "donation:raw:" + env.Fingerprint()
	}

	if p.store.Exists(key) {
		p.dropDuplicate(env.Event, key)
		return
	}
	p.store.Set(key)
	p.store.StoreEvent(env.Event, payload)
	p.writeStatsFile(payload)
}

// requestSnapshot asks the stats pipeline for a refresh after a completed donation. Best effort; a down bus only
// delays the next periodic snapshot.
func (p *Processor) requestSnapshot(ctx context.Context) {
	if p.emitter == nil {
		return
	}
	p.emitter.Emit(ctx, event.DonationStatsSnapshot, map[string]any{
		"requested_at": event.Now(),
		"source":       "donation_consumer",
	})
}

// writeStatsFile replaces the on-disk snapshot, preserving created_at across rewrites.
func (p *Processor) writeStatsFile(payload map[string]any) {
	now := time.Now().UTC().Format(time.RFC3339)

	doc := statsFile{Meta: statsMeta{CreatedAt: now, Version: 1}}
	var existing statsFile
	if err := jsonfile.Read(p.statsPath, &existing); err == nil && existing.Meta.CreatedAt != "" {
		doc.Meta.CreatedAt = existing.Meta.CreatedAt
	}
	doc.Meta.LastUpdated = now
	doc.Snapshot = payload

	if err := jsonfile.Write(p.statsPath, doc); err != nil {
		p.log.Error().Err(err).Str("path", p.statsPath).Msg("Failed to persist stats snapshot")
		return
	}
	p.log.Info().Str("generated_at", event.Text(payload["generated_at"])).Msg("Stats snapshot persisted")
}

func (p *Processor) dropDuplicate(name, key string) {
	if p.metrics != nil {
		p.metrics.DuplicatesDropped.WithLabelValues("donation").Inc()
	}
	p.log.Debug().Str("event", name).Str("key", key).Msg("Duplicate donation event dropped")
}
