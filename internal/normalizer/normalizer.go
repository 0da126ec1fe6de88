package normalizer

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"booksync/internal/catalog"
)

// ErrMissingTitle is returned when a payload has no usable title.
// Such records are dropped before merge, never inserted.
var ErrMissingTitle = errors.New("record has no title")

// UnknownContributor is the placeholder used when a payload carries no
// author or narrator, so downstream display always has something to show.
const UnknownContributor = "Unknown"

// Record is the canonical in-memory representation of one catalog item
type Record struct {
	ASIN           string
	Title          string
	Subtitle       string
	Authors        []string
	Narrators      []string
	SeriesTitle    string
	SeriesSequence string
	RuntimeMinutes int
	Rating         float64 // 0 means unrated
	Language       string
	Genres         []string
	PublishDate    string // YYYY-MM-DD
	PurchaseDate   string // YYYY-MM-DD
	CoverURL       string
	Buyable        bool
}

// Author returns the joined author list for natural-key matching
func (r *Record) Author() string {
	return strings.Join(r.Authors, ", ")
}

// Narrator returns the joined narrator list
func (r *Record) Narrator() string {
	return strings.Join(r.Narrators, ", ")
}

// Validate checks that the record carries the mandatory fields
func (r *Record) Validate() error {
	if r.Title == "" || r.Title == UnknownContributor {
		return ErrMissingTitle
	}
	return nil
}

// Candidate key lists per logical field. The upstream payload renames
// fields between response groups and API revisions; the first present,
// non-empty spelling wins.
var (
	titleKeys     = []string{"title", "product_title", "name"}
	subtitleKeys  = []string{"subtitle", "product_subtitle"}
	authorKeys    = []string{"authors", "author", "author_name"}
	narratorKeys  = []string{"narrators", "narrator", "narrator_name"}
	languageKeys  = []string{"language", "language_name"}
	genreKeys     = []string{"genres", "genre", "category_ladders"}
	publishKeys   = []string{"release_date", "publication_datetime", "issue_date", "published"}
	purchaseKeys  = []string{"purchase_date", "date_added", "added_at"}
	coverKeys     = []string{"cover_url", "image_url", "cover"}
	durationKeys  = []string{"runtime_length_min", "runtime", "duration", "length"}
	ratingKeys    = []string{"rating", "overall_rating", "customer_rating"}
	seriesKeys    = []string{"series_title", "publication_name"}
	buyableKeys   = []string{"is_buyable", "buyable", "purchasable"}
	withdrawnKeys = []string{"is_removed", "is_unavailable", "withdrawn"}
)

// Normalize converts a raw catalog payload into a canonical Record.
// It never fails outright: unresolved fields are left absent, except
// contributors which default to the Unknown placeholder.
func Normalize(item catalog.Item) Record {
	rec := Record{
		ASIN:     item.ASIN(),
		Title:    stringField(item, titleKeys),
		Subtitle: stringField(item, subtitleKeys),
		Language: stringField(item, languageKeys),
		Genres:   stringListField(item, genreKeys),
		CoverURL: coverField(item),
	}

	rec.Authors = stringListField(item, authorKeys)
	if len(rec.Authors) == 0 {
		rec.Authors = []string{UnknownContributor}
	}
	rec.Narrators = stringListField(item, narratorKeys)
	if len(rec.Narrators) == 0 {
		rec.Narrators = []string{UnknownContributor}
	}

	if raw := firstValue(item, publishKeys); raw != nil {
		rec.PublishDate = ParseDate(cleanText(fmt.Sprintf("%v", raw)))
	}
	if raw := firstValue(item, purchaseKeys); raw != nil {
		rec.PurchaseDate = ParseDate(cleanText(fmt.Sprintf("%v", raw)))
	}

	if raw := firstValue(item, durationKeys); raw != nil {
		rec.RuntimeMinutes = ParseDurationMinutes(raw)
	}

	if raw := firstValue(item, ratingKeys); raw != nil {
		if rating, ok := ParseRating(raw); ok {
			rec.Rating = rating
		}
	}

	rec.SeriesTitle, rec.SeriesSequence = seriesField(item)

	rec.Buyable = buyableField(item)

	return rec
}

// NormalizeKey produces the natural-key form of a text field: lowercase,
// whitespace-collapsed, stripped of surrounding punctuation.
func NormalizeKey(s string) string {
	s = strings.ToLower(cleanText(s))
	return strings.Trim(s, " .,:;!?'\"")
}

var (
	htmlTagPattern    = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// cleanText strips HTML tags and collapses whitespace
func cleanText(s string) string {
	s = htmlTagPattern.ReplaceAllString(s, " ")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// firstValue returns the first present, non-nil value among the
// candidate keys.
func firstValue(item catalog.Item, keys []string) interface{} {
	for _, key := range keys {
		if v, ok := item[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

// stringField resolves a text field through the candidate key list
func stringField(item catalog.Item, keys []string) string {
	for _, key := range keys {
		v, ok := item[key]
		if !ok || v == nil {
			continue
		}
		switch value := v.(type) {
		case string:
			if cleaned := cleanText(value); cleaned != "" {
				return cleaned
			}
		case map[string]interface{}:
			// Some payloads nest display values, e.g. {"name": "..."}
			if name, ok := value["name"].(string); ok {
				if cleaned := cleanText(name); cleaned != "" {
					return cleaned
				}
			}
		}
	}
	return ""
}

// stringListField resolves a list field, accepting plain strings,
// arrays of strings, or arrays of {"name": ...} objects.
func stringListField(item catalog.Item, keys []string) []string {
	for _, key := range keys {
		v, ok := item[key]
		if !ok || v == nil {
			continue
		}
		switch value := v.(type) {
		case string:
			if cleaned := cleanText(value); cleaned != "" {
				return []string{cleaned}
			}
		case []interface{}:
			var out []string
			for _, entry := range value {
				switch e := entry.(type) {
				case string:
					if cleaned := cleanText(e); cleaned != "" {
						out = append(out, cleaned)
					}
				case map[string]interface{}:
					if name, ok := e["name"].(string); ok {
						if cleaned := cleanText(name); cleaned != "" {
							out = append(out, cleaned)
						}
					}
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

// coverField resolves the cover URL, including the nested
// product_images map keyed by pixel size.
func coverField(item catalog.Item) string {
	if url := stringField(item, coverKeys); url != "" {
		return url
	}
	images, ok := item["product_images"].(map[string]interface{})
	if !ok {
		return ""
	}
	// Prefer the largest known size
	for _, size := range []string{"500", "300", "100"} {
		if url, ok := images[size].(string); ok && url != "" {
			return url
		}
	}
	for _, v := range images {
		if url, ok := v.(string); ok && url != "" {
			return url
		}
	}
	return ""
}

var dateFormats = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02/01/2006",
	"01/02/2006",
	"January 2, 2006",
}

var yearPattern = regexp.MustCompile(`\b(\d{4})\b`)

// ParseDate normalizes a date string to YYYY-MM-DD. When no known
// format matches, a bare 4-digit year is extracted and pinned to
// January 1st. Returns "" when nothing usable is found.
func ParseDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	for _, format := range dateFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t.Format("2006-01-02")
		}
	}

	if match := yearPattern.FindStringSubmatch(s); match != nil {
		return match[1] + "-01-01"
	}

	return ""
}

var (
	hoursMinutesPattern = regexp.MustCompile(`(?i)^(\d+)\s*h(?:rs?|ours?)?(?:\s*(\d+)\s*m(?:ins?|inutes?)?)?$`)
	clockPattern        = regexp.MustCompile(`^(\d+):(\d{1,2}):(\d{1,2})$`)
	minutesPattern      = regexp.MustCompile(`(?i)^(\d+)\s*m(?:ins?|inutes?)?$`)
	bareNumberPattern   = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
)

// ParseDurationMinutes normalizes a runtime value to integer minutes.
// Accepts "Nh Mm", "H:MM:SS", "N mins", or a bare number (assumed to
// already be minutes). Returns 0 when unparseable.
func ParseDurationMinutes(v interface{}) int {
	switch value := v.(type) {
	case float64:
		if value < 0 {
			return 0
		}
		return int(value)
	case int:
		if value < 0 {
			return 0
		}
		return value
	case string:
		s := strings.TrimSpace(value)
		if s == "" {
			return 0
		}

		if m := hoursMinutesPattern.FindStringSubmatch(s); m != nil {
			hours, _ := strconv.Atoi(m[1])
			minutes := 0
			if m[2] != "" {
				minutes, _ = strconv.Atoi(m[2])
			}
			return hours*60 + minutes
		}

		if m := clockPattern.FindStringSubmatch(s); m != nil {
			hours, _ := strconv.Atoi(m[1])
			minutes, _ := strconv.Atoi(m[2])
			return hours*60 + minutes
		}

		if m := minutesPattern.FindStringSubmatch(s); m != nil {
			minutes, _ := strconv.Atoi(m[1])
			return minutes
		}

		if bareNumberPattern.MatchString(s) {
			f, _ := strconv.ParseFloat(s, 64)
			return int(f)
		}
	}
	return 0
}

var (
	ratioPattern = regexp.MustCompile(`(?i)^([\d.]+)\s*(?:out of|/)\s*([\d.]+)$`)
	starsPattern = regexp.MustCompile(`(?i)^([\d.]+)\s*stars?$`)
)

// ParseRating normalizes a rating value to the 0-5 scale. Base-10
// values are halved; values that remain out of range afterwards are
// discarded, not clamped.
func ParseRating(v interface{}) (float64, bool) {
	var value float64

	switch raw := v.(type) {
	case float64:
		value = raw
	case int:
		value = float64(raw)
	case string:
		s := strings.TrimSpace(raw)
		if m := ratioPattern.FindStringSubmatch(s); m != nil {
			num, err1 := strconv.ParseFloat(m[1], 64)
			scale, err2 := strconv.ParseFloat(m[2], 64)
			if err1 != nil || err2 != nil || scale == 0 {
				return 0, false
			}
			if scale == 10 {
				num /= 2
			}
			value = num
		} else if m := starsPattern.FindStringSubmatch(s); m != nil {
			num, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return 0, false
			}
			value = num
		} else {
			num, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return 0, false
			}
			value = num
		}
	default:
		return 0, false
	}

	// A bare value above 5 but within 10 is assumed to be base-10
	if value > 5 && value <= 10 {
		value /= 2
	}

	if value < 0 || value > 5 {
		return 0, false
	}
	return value, true
}

var seriesSuffixPattern = regexp.MustCompile(`(?i)^(.*?)(?:[,:]?\s+)(?:#|book\s+)(\d+(?:\.\d+)?)\s*$`)

// ParseSeriesString splits a combined series string like
// "The Lost Fleet #3" or "Dungeon Crawler Carl, Book 2" into a series
// title and sequence.
func ParseSeriesString(s string) (title, sequence string) {
	s = cleanText(s)
	if m := seriesSuffixPattern.FindStringSubmatch(s); m != nil {
		return strings.TrimRight(strings.TrimSpace(m[1]), ",:"), m[2]
	}
	return s, ""
}

// seriesField resolves the series title/sequence, preferring structured
// series arrays over combined strings.
func seriesField(item catalog.Item) (title, sequence string) {
	if raw, ok := item["series"]; ok && raw != nil {
		switch value := raw.(type) {
		case []interface{}:
			for _, entry := range value {
				m, ok := entry.(map[string]interface{})
				if !ok {
					continue
				}
				t, _ := m["title"].(string)
				if t == "" {
					continue
				}
				seq := ""
				switch s := m["sequence"].(type) {
				case string:
					seq = s
				case float64:
					seq = strconv.FormatFloat(s, 'f', -1, 64)
				}
				return cleanText(t), seq
			}
		case string:
			return ParseSeriesString(value)
		}
	}

	if combined := stringField(item, seriesKeys); combined != "" {
		return ParseSeriesString(combined)
	}
	return "", ""
}

func buyableField(item catalog.Item) bool {
	for _, key := range withdrawnKeys {
		if v, ok := item[key].(bool); ok && v {
			return false
		}
	}
	for _, key := range buyableKeys {
		if v, ok := item[key].(bool); ok {
			return v
		}
	}
	// Listings that omit purchasability entirely are assumed buyable
	return true
}
