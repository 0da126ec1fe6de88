package store

import (
	"time"

	"gorm.io/gorm"
)

// Book status values, ordered by priority. A sync-sourced merge never
// moves a book to a lower-priority status.
const (
	StatusWanted      = "wanted"
	StatusDownloading = "downloading"
	StatusOwned       = "owned"
)

// Provenance values recording where a book row originated
const (
	ProvenanceManual  = "manual"
	ProvenanceCatalog = "catalog"
)

var statusPriority = map[string]int{
	StatusWanted:      1,
	StatusDownloading: 2,
	StatusOwned:       3,
}

// StatusPriority returns the priority rank of a status. Unknown statuses
// rank lowest so they can always be replaced.
func StatusPriority(status string) int {
	return statusPriority[status]
}

// Book is the locally persisted record of a logical work
type Book struct {
	ID               uint    `gorm:"primaryKey" json:"id"`
	ASIN             *string `gorm:"uniqueIndex" json:"asin,omitempty"`
	Title            string  `gorm:"not null" json:"title"`
	NormalizedTitle  string  `gorm:"uniqueIndex:idx_books_natural_key" json:"-"`
	Author           string  `json:"author"`
	NormalizedAuthor string  `gorm:"uniqueIndex:idx_books_natural_key" json:"-"`
	Narrator         string  `json:"narrator"`
	SeriesTitle      string  `json:"series_title,omitempty"`
	SeriesSequence   string  `json:"series_sequence,omitempty"`
	RuntimeMinutes   int     `json:"runtime_minutes,omitempty"`
	Rating           float64 `json:"rating,omitempty"`
	Language         string  `json:"language,omitempty"`
	Genres           string  `json:"genres,omitempty"` // comma-separated
	PublishDate      string  `json:"publish_date,omitempty"`
	PurchaseDate     string  `json:"purchase_date,omitempty"`
	CoverURL         string  `json:"cover_url,omitempty"`
	Buyable          bool    `json:"buyable"`

	Status     string `gorm:"default:wanted" json:"status"`
	Provenance string `gorm:"default:manual" json:"provenance"`
	HasFile    bool   `json:"has_file"`

	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Series holds series-level metadata discovered during sync
type Series struct {
	ASIN        string    `gorm:"primaryKey" json:"asin"`
	Title       string    `gorm:"not null" json:"title"`
	Description string    `json:"description,omitempty"`
	CoverURL    string    `json:"cover_url,omitempty"`
	// TotalMembers is the declared member count, corrected upward when
	// more members are observed than declared.
	TotalMembers int       `json:"total_members"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SeriesMember links a series to one canonical member edition
type SeriesMember struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	SeriesASIN string `gorm:"uniqueIndex:idx_series_member;not null" json:"series_asin"`
	ASIN       string `gorm:"uniqueIndex:idx_series_member;not null" json:"asin"`
	Title      string `json:"title"`
	Sequence   string `json:"sequence"`

	// Ownership flags: InLibrary means the book exists in the local
	// store, HasFile that an audio file is present for it.
	InLibrary bool `json:"in_library"`
	HasFile   bool `json:"has_file"`
	Buyable   bool `json:"buyable"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate hook for Book
func (b *Book) BeforeCreate(tx *gorm.DB) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now()
	}
	return nil
}

// BeforeUpdate hook for Book
func (b *Book) BeforeUpdate(tx *gorm.DB) error {
	b.UpdatedAt = time.Now()
	return nil
}

// BeforeCreate hook for Series
func (s *Series) BeforeCreate(tx *gorm.DB) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	return nil
}

// BeforeUpdate hook for Series
func (s *Series) BeforeUpdate(tx *gorm.DB) error {
	s.UpdatedAt = time.Now()
	return nil
}

// BeforeCreate hook for SeriesMember
func (m *SeriesMember) BeforeCreate(tx *gorm.DB) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now()
	}
	return nil
}

// BeforeUpdate hook for SeriesMember
func (m *SeriesMember) BeforeUpdate(tx *gorm.DB) error {
	m.UpdatedAt = time.Now()
	return nil
}
