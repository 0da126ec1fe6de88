package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"booksync/internal/logger"
)

// Repository provides database operations for books and series
type Repository struct {
	db     *gorm.DB
	logger *logger.Logger
}

// NewRepository creates a new repository instance
func NewRepository(db *Database, log *logger.Logger) *Repository {
	return &Repository{
		db:     db.GetDB(),
		logger: log,
	}
}

// Transaction runs fn with a repository bound to a single transaction.
// Batch writes go through here so the store sees one grouped write per
// batch instead of per-record commits.
func (r *Repository) Transaction(fn func(tx *Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx, logger: r.logger})
	})
}

// FindByASIN looks up a book by its external identifier.
// Returns (nil, nil) when no row matches.
func (r *Repository) FindByASIN(asin string) (*Book, error) {
	if asin == "" {
		return nil, nil
	}
	var book Book
	if err := r.db.Where("asin = ?", asin).First(&book).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find book by asin: %w", err)
	}
	return &book, nil
}

// FindByNaturalKey looks up a book by its normalized title/author pair.
// Returns (nil, nil) when no row matches.
func (r *Repository) FindByNaturalKey(normalizedTitle, normalizedAuthor string) (*Book, error) {
	if normalizedTitle == "" {
		return nil, nil
	}
	var book Book
	err := r.db.Where("normalized_title = ? AND normalized_author = ?", normalizedTitle, normalizedAuthor).
		First(&book).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find book by natural key: %w", err)
	}
	return &book, nil
}

// Create inserts a new book row. A unique-constraint violation is
// surfaced as gorm.ErrDuplicatedKey so callers can convert the insert
// into an update.
func (r *Repository) Create(book *Book) error {
	if err := r.db.Create(book).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return gorm.ErrDuplicatedKey
		}
		return fmt.Errorf("failed to create book: %w", err)
	}
	return nil
}

// Save persists all fields of an existing book row
func (r *Repository) Save(book *Book) error {
	if err := r.db.Save(book).Error; err != nil {
		return fmt.Errorf("failed to save book: %w", err)
	}
	return nil
}

// ListStale returns up to limit books whose last sync is older than the
// given window (or that were never synced), oldest first.
func (r *Repository) ListStale(window time.Duration, limit int) ([]Book, error) {
	cutoff := time.Now().Add(-window)
	var books []Book
	query := r.db.
		Where("last_synced_at IS NULL OR last_synced_at < ?", cutoff).
		Order("last_synced_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&books).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale books: %w", err)
	}
	return books, nil
}

// SyncTimes returns a map of external id to last-synced timestamp for
// every book that carries an external id. Books never synced map to the
// zero time.
func (r *Repository) SyncTimes() (map[string]time.Time, error) {
	var books []Book
	if err := r.db.Select("asin", "last_synced_at").Where("asin IS NOT NULL").Find(&books).Error; err != nil {
		return nil, fmt.Errorf("failed to list sync times: %w", err)
	}
	times := make(map[string]time.Time, len(books))
	for _, b := range books {
		if b.ASIN == nil {
			continue
		}
		if b.LastSyncedAt != nil {
			times[*b.ASIN] = *b.LastSyncedAt
		} else {
			times[*b.ASIN] = time.Time{}
		}
	}
	return times, nil
}

// HasLocalFile reports whether the book with the given external id is
// present locally with an audio file. This is the only coupling to the
// file-management subsystem.
func (r *Repository) HasLocalFile(asin string) (bool, error) {
	if asin == "" {
		return false, nil
	}
	var count int64
	err := r.db.Model(&Book{}).Where("asin = ? AND has_file = ?", asin, true).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check local file: %w", err)
	}
	return count > 0, nil
}

// InLibrary reports whether a book with the given external id exists locally
func (r *Repository) InLibrary(asin string) (bool, error) {
	if asin == "" {
		return false, nil
	}
	var count int64
	err := r.db.Model(&Book{}).Where("asin = ?", asin).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check library membership: %w", err)
	}
	return count > 0, nil
}

// SaveSeries upserts a series row and replaces its member rows.
// Member rows are keyed by (series_asin, asin); existing rows are
// updated in place so repeated saves are idempotent.
func (r *Repository) SaveSeries(series *Series, members []SeriesMember) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var existing Series
		err := tx.Where("asin = ?", series.ASIN).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(series).Error; err != nil {
				return fmt.Errorf("failed to create series: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to look up series: %w", err)
		default:
			series.CreatedAt = existing.CreatedAt
			if err := tx.Save(series).Error; err != nil {
				return fmt.Errorf("failed to update series: %w", err)
			}
		}

		for i := range members {
			member := &members[i]
			member.SeriesASIN = series.ASIN

			var existingMember SeriesMember
			err := tx.Where("series_asin = ? AND asin = ?", series.ASIN, member.ASIN).
				First(&existingMember).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				if err := tx.Create(member).Error; err != nil {
					return fmt.Errorf("failed to create series member: %w", err)
				}
			case err != nil:
				return fmt.Errorf("failed to look up series member: %w", err)
			default:
				member.ID = existingMember.ID
				member.CreatedAt = existingMember.CreatedAt
				if err := tx.Save(member).Error; err != nil {
					return fmt.Errorf("failed to update series member: %w", err)
				}
			}
		}

		return nil
	})
}

// GetSeries returns a series and its members, or (nil, nil, nil) when absent
func (r *Repository) GetSeries(seriesASIN string) (*Series, []SeriesMember, error) {
	var series Series
	if err := r.db.Where("asin = ?", seriesASIN).First(&series).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to get series: %w", err)
	}

	var members []SeriesMember
	if err := r.db.Where("series_asin = ?", seriesASIN).Order("sequence ASC").Find(&members).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to get series members: %w", err)
	}

	return &series, members, nil
}

// CountBooks returns the number of book rows
func (r *Repository) CountBooks() (int64, error) {
	var count int64
	if err := r.db.Model(&Book{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count books: %w", err)
	}
	return count, nil
}
