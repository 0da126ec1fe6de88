// Package series discovers the series a catalog item belongs to,
// assembles the full membership list with per-member detail, collapses
// duplicate editions, and records ownership stats per member.
package series

import (
	"context"
	"errors"
	"fmt"

	"booksync/internal/catalog"
	"booksync/internal/edition"
	"booksync/internal/logger"
	"booksync/internal/normalizer"
	"booksync/internal/store"
)

// ErrSeriesNotFound is returned when neither the seed item nor the
// catalog yields a resolvable series.
var ErrSeriesNotFound = errors.New("series not found")

// seriesResponseGroups selects the field groups needed for series-level
// metadata and child relationships.
const seriesResponseGroups = "product_desc,media,relationships"

// Graph is the assembled view of one series
type Graph struct {
	Series  store.Series
	Members []store.SeriesMember
}

// Builder assembles series graphs from catalog relationship metadata
type Builder struct {
	catalog catalog.ClientInterface
	repo    *store.Repository
	logger  *logger.Logger
}

// NewBuilder creates a new series graph builder
func NewBuilder(client catalog.ClientInterface, repo *store.Repository, log *logger.Logger) *Builder {
	return &Builder{
		catalog: client,
		repo:    repo,
		logger:  log,
	}
}

// BuildFromSeed resolves the series a seed item belongs to and builds
// its graph. Returns ErrSeriesNotFound when the item carries no series
// relation.
func (b *Builder) BuildFromSeed(ctx context.Context, seed catalog.Item) (*Graph, error) {
	seriesASIN := resolveSeriesASIN(seed)
	if seriesASIN == "" {
		return nil, ErrSeriesNotFound
	}
	return b.Build(ctx, seriesASIN)
}

// Build fetches series metadata and the full membership list, fetches
// per-member detail (degrading to stubs on per-member failures),
// deduplicates editions, computes ownership flags, and persists the
// result.
func (b *Builder) Build(ctx context.Context, seriesASIN string) (*Graph, error) {
	log := b.logger.With(map[string]interface{}{
		"series_asin": seriesASIN,
	})

	item, err := b.catalog.GetProductDetail(ctx, seriesASIN, seriesResponseGroups)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch series %s: %w", seriesASIN, err)
	}

	meta := extractMetadata(seriesASIN, item)

	children := childRelationships(item)
	if len(children) == 0 {
		log.Warn("Series has no child relationships")
	}

	records := b.fetchMembers(ctx, children, log)

	canonical := edition.Resolve(records)

	members := make([]store.SeriesMember, 0, len(canonical))
	for _, rec := range canonical {
		member := store.SeriesMember{
			SeriesASIN: seriesASIN,
			ASIN:       rec.ASIN,
			Title:      rec.Title,
			Sequence:   rec.SeriesSequence,
			Buyable:    rec.Buyable,
		}

		inLibrary, err := b.repo.InLibrary(rec.ASIN)
		if err != nil {
			return nil, err
		}
		member.InLibrary = inLibrary

		hasFile, err := b.repo.HasLocalFile(rec.ASIN)
		if err != nil {
			return nil, err
		}
		member.HasFile = hasFile

		members = append(members, member)
	}

	// The declared count goes stale when the catalog adds members; never
	// report fewer members than we actually observed.
	if len(members) > meta.TotalMembers {
		meta.TotalMembers = len(members)
	}

	if err := b.repo.SaveSeries(&meta, members); err != nil {
		return nil, fmt.Errorf("failed to persist series %s: %w", seriesASIN, err)
	}

	log.Info("Built series graph", map[string]interface{}{
		"title":         meta.Title,
		"members":       len(members),
		"total_members": meta.TotalMembers,
	})

	return &Graph{Series: meta, Members: members}, nil
}

// fetchMembers fetches detail for every child relationship. A failed
// fetch degrades that member to a stub carrying just id and sequence
// instead of aborting the whole series.
func (b *Builder) fetchMembers(ctx context.Context, children []catalog.Relationship, log *logger.Logger) []normalizer.Record {
	records := make([]normalizer.Record, 0, len(children))

	for _, child := range children {
		detail, err := b.catalog.GetProductDetail(ctx, child.ASIN, catalog.DefaultResponseGroups)
		if err != nil {
			log.Warn("Failed to fetch series member, using stub", map[string]interface{}{
				"member_asin": child.ASIN,
				"error":       err.Error(),
			})
			records = append(records, stubRecord(child))
			continue
		}

		rec := normalizer.Normalize(detail)
		if rec.ASIN == "" {
			rec.ASIN = child.ASIN
		}
		if rec.SeriesSequence == "" {
			rec.SeriesSequence = child.Sequence
		}
		records = append(records, rec)
	}

	return records
}

// stubRecord builds the minimal record for a member whose detail fetch
// failed. Stubs count as buyable so the dedup pass keeps them.
func stubRecord(child catalog.Relationship) normalizer.Record {
	return normalizer.Record{
		ASIN:           child.ASIN,
		Title:          child.Title,
		SeriesSequence: child.Sequence,
		Buyable:        true,
	}
}

// SeedSeriesASIN returns the series external id a seed item points at,
// or "" when the item carries no series relation. The orchestrator uses
// it to key its in-flight rebuild guard.
func SeedSeriesASIN(item catalog.Item) string {
	return resolveSeriesASIN(item)
}

// resolveSeriesASIN finds the series external id on a seed item: the
// parent-series relationship when relationship metadata is present,
// otherwise the simpler embedded series array.
func resolveSeriesASIN(item catalog.Item) string {
	for _, rel := range item.Relationships() {
		if rel.RelationType == "series" && rel.RelationTo == "parent" {
			return rel.ASIN
		}
	}

	if raw, ok := item["series"].([]interface{}); ok {
		for _, entry := range raw {
			if m, ok := entry.(map[string]interface{}); ok {
				if asin, ok := m["asin"].(string); ok && asin != "" {
					return asin
				}
			}
		}
	}

	return ""
}

func childRelationships(item catalog.Item) []catalog.Relationship {
	var children []catalog.Relationship
	for _, rel := range item.Relationships() {
		if rel.RelationTo == "child" {
			children = append(children, rel)
		}
	}
	return children
}

// extractMetadata pulls series-level fields from the series product
// payload, tolerating the usual key drift.
func extractMetadata(seriesASIN string, item catalog.Item) store.Series {
	meta := store.Series{ASIN: seriesASIN}

	rec := normalizer.Normalize(item)
	meta.Title = rec.Title
	meta.CoverURL = rec.CoverURL

	for _, key := range []string{"merchandising_summary", "description", "summary", "publisher_summary"} {
		if v, ok := item[key].(string); ok && v != "" {
			meta.Description = v
			break
		}
	}

	for _, key := range []string{"total_count", "declared_count", "member_count", "count"} {
		switch v := item[key].(type) {
		case float64:
			meta.TotalMembers = int(v)
		case int:
			meta.TotalMembers = v
		}
		if meta.TotalMembers > 0 {
			break
		}
	}

	return meta
}
