// Package merge reconciles normalized catalog records against the local
// store without destroying manually entered data. Records match by
// external id when one is present, falling back to the title/author
// natural key, and fields merge conservatively: the external id is never
// rewritten on conflict and ownership status never moves backwards.
package merge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"booksync/internal/logger"
	"booksync/internal/normalizer"
	"booksync/internal/store"
)

// Outcome describes what a merge did with one record
type Outcome string

const (
	OutcomeInserted Outcome = "inserted"
	OutcomeUpdated  Outcome = "updated"
	OutcomeSkipped  Outcome = "skipped"
)

// Result is the per-record merge outcome
type Result struct {
	Outcome Outcome
	BookID  uint
	ASIN    string
	Reason  string
}

// Engine applies normalized records to the local store
type Engine struct {
	repo   *store.Repository
	logger *logger.Logger
}

// NewEngine creates a new merge engine
func NewEngine(repo *store.Repository, log *logger.Logger) *Engine {
	return &Engine{
		repo:   repo,
		logger: log,
	}
}

// Merge reconciles a single record against the store
func (e *Engine) Merge(rec normalizer.Record, incomingStatus string) (Result, error) {
	return e.mergeOne(e.repo, rec, incomingStatus)
}

// MergeBatch reconciles a batch of records inside one transaction, so
// the store receives a single grouped write per batch. Validation
// failures produce skipped results, not errors, and do not abort the
// rest of the batch.
func (e *Engine) MergeBatch(recs []normalizer.Record, incomingStatus string) ([]Result, error) {
	results := make([]Result, 0, len(recs))

	err := e.repo.Transaction(func(tx *store.Repository) error {
		for _, rec := range recs {
			result, err := e.mergeOne(tx, rec, incomingStatus)
			if err != nil {
				return err
			}
			results = append(results, result)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("batch merge failed: %w", err)
	}

	return results, nil
}

func (e *Engine) mergeOne(repo *store.Repository, rec normalizer.Record, incomingStatus string) (Result, error) {
	if err := rec.Validate(); err != nil {
		e.logger.Warn("Dropping record without mandatory fields", map[string]interface{}{
			"asin":   rec.ASIN,
			"reason": err.Error(),
		})
		return Result{Outcome: OutcomeSkipped, ASIN: rec.ASIN, Reason: err.Error()}, nil
	}

	existing, err := e.lookup(repo, rec)
	if err != nil {
		return Result{}, err
	}

	if existing != nil {
		e.applyFields(existing, rec, incomingStatus)
		if err := repo.Save(existing); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeUpdated, BookID: existing.ID, ASIN: rec.ASIN}, nil
	}

	book := e.newBook(rec, incomingStatus)
	err = repo.Create(book)
	if err == nil {
		return Result{Outcome: OutcomeInserted, BookID: book.ID, ASIN: rec.ASIN}, nil
	}

	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return Result{}, err
	}

	// Another worker inserted the same key concurrently. The write is
	// idempotent: re-resolve the row and merge into it instead.
	e.logger.Debug("Insert raced with concurrent writer, retrying as update", map[string]interface{}{
		"asin":  rec.ASIN,
		"title": rec.Title,
	})
	existing, err = e.lookup(repo, rec)
	if err != nil {
		return Result{}, err
	}
	if existing == nil {
		return Result{}, fmt.Errorf("duplicate key reported but no row found for %q", rec.Title)
	}

	e.applyFields(existing, rec, incomingStatus)
	if err := repo.Save(existing); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeUpdated, BookID: existing.ID, ASIN: rec.ASIN}, nil
}

// lookup resolves the store row a record should merge into: by external
// id first, then by the natural key. The natural-key path matches
// manually curated rows that predate having an external id attached.
func (e *Engine) lookup(repo *store.Repository, rec normalizer.Record) (*store.Book, error) {
	if rec.ASIN != "" {
		book, err := repo.FindByASIN(rec.ASIN)
		if err != nil {
			return nil, err
		}
		if book != nil {
			return book, nil
		}
	}
	return repo.FindByNaturalKey(
		normalizer.NormalizeKey(rec.Title),
		normalizer.NormalizeKey(rec.Author()),
	)
}

// applyFields merges incoming fields into an existing row. Present
// incoming values win, with two exceptions: a conflicting external id
// is never overwritten, and status only moves to equal or higher
// priority. LastSyncedAt is always refreshed.
func (e *Engine) applyFields(book *store.Book, rec normalizer.Record, incomingStatus string) {
	if rec.ASIN != "" {
		switch {
		case book.ASIN == nil || *book.ASIN == "":
			asin := rec.ASIN
			book.ASIN = &asin
		case *book.ASIN != rec.ASIN:
			e.logger.Warn("External id conflict, keeping existing id", map[string]interface{}{
				"book_id":  book.ID,
				"existing": *book.ASIN,
				"incoming": rec.ASIN,
				"title":    book.Title,
			})
		}
	}

	book.Title = rec.Title
	book.NormalizedTitle = normalizer.NormalizeKey(rec.Title)
	book.Author = rec.Author()
	book.NormalizedAuthor = normalizer.NormalizeKey(rec.Author())
	book.Narrator = rec.Narrator()

	if rec.SeriesTitle != "" {
		book.SeriesTitle = rec.SeriesTitle
		book.SeriesSequence = rec.SeriesSequence
	}
	if rec.RuntimeMinutes > 0 {
		book.RuntimeMinutes = rec.RuntimeMinutes
	}
	if rec.Rating > 0 {
		book.Rating = rec.Rating
	}
	if rec.Language != "" {
		book.Language = rec.Language
	}
	if len(rec.Genres) > 0 {
		book.Genres = strings.Join(rec.Genres, ",")
	}
	if rec.PublishDate != "" {
		book.PublishDate = rec.PublishDate
	}
	if rec.PurchaseDate != "" {
		book.PurchaseDate = rec.PurchaseDate
	}
	if rec.CoverURL != "" {
		book.CoverURL = rec.CoverURL
	}
	book.Buyable = rec.Buyable

	if store.StatusPriority(incomingStatus) >= store.StatusPriority(book.Status) {
		book.Status = incomingStatus
	}

	now := time.Now()
	book.LastSyncedAt = &now
}

func (e *Engine) newBook(rec normalizer.Record, incomingStatus string) *store.Book {
	now := time.Now()
	book := &store.Book{
		Title:            rec.Title,
		NormalizedTitle:  normalizer.NormalizeKey(rec.Title),
		Author:           rec.Author(),
		NormalizedAuthor: normalizer.NormalizeKey(rec.Author()),
		Narrator:         rec.Narrator(),
		SeriesTitle:      rec.SeriesTitle,
		SeriesSequence:   rec.SeriesSequence,
		RuntimeMinutes:   rec.RuntimeMinutes,
		Rating:           rec.Rating,
		Language:         rec.Language,
		Genres:           strings.Join(rec.Genres, ","),
		PublishDate:      rec.PublishDate,
		PurchaseDate:     rec.PurchaseDate,
		CoverURL:         rec.CoverURL,
		Buyable:          rec.Buyable,
		Status:           incomingStatus,
		Provenance:       store.ProvenanceCatalog,
		LastSyncedAt:     &now,
	}
	if rec.ASIN != "" {
		asin := rec.ASIN
		book.ASIN = &asin
	}
	return book
}
