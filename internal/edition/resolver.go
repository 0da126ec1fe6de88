// Package edition collapses duplicate catalog editions of the same
// logical work down to one canonical entry. The catalog routinely lists
// regional variants, re-releases, and legacy identifiers for a single
// book; series views would double-count without this step.
package edition

import (
	"regexp"
	"strconv"
	"strings"

	"booksync/internal/normalizer"
)

// Scoring weights. The resolver is a pure function of its input: the
// same candidates in the same order always produce the same winner.
const (
	scoreBuyable       = 500.0
	scoreUnbuyable     = -500.0
	scorePrimaryASIN   = 100.0
	scoreSecondaryASIN = 50.0
	scoreNumericID     = -100.0
	scoreRealTitle     = 20.0
	scorePerTitleChar  = 0.1
	scoreAuthor        = 10.0
	scoreNarrator      = 10.0
	scoreCover         = 5.0
	scoreRuntime       = 5.0
)

// asinPrefix is the vendor's reserved prefix for current product codes
const asinPrefix = "B0"

var (
	alphanumericPattern = regexp.MustCompile(`^[A-Z0-9]{10}$`)
	numericPattern      = regexp.MustCompile(`^\d+$`)
)

// GroupKey identifies one logical slot a set of editions competes for
type GroupKey struct {
	Title    string
	Sequence string
}

// KeyFor computes the dedup group key for a record
func KeyFor(rec normalizer.Record) GroupKey {
	return GroupKey{
		Title:    NormalizeTitle(rec.Title),
		Sequence: rec.SeriesSequence,
	}
}

// NormalizeTitle reduces a title to its dedup form: anything after the
// first colon, dash, or open parenthesis is dropped (so "Title" and
// "Title: A Subtitle" collapse together), trailing punctuation is
// stripped, and the result is lowercased.
func NormalizeTitle(title string) string {
	if idx := strings.IndexAny(title, ":-("); idx >= 0 {
		title = title[:idx]
	}
	title = strings.TrimSpace(title)
	title = strings.TrimRight(title, " .,;!?'\"")
	return strings.ToLower(title)
}

// Resolve partitions the candidates into (title, sequence) groups and
// selects one canonical edition per group. Winners are returned in the
// order their groups were first seen, so identical input yields
// identical output.
func Resolve(candidates []normalizer.Record) []normalizer.Record {
	groups := make(map[GroupKey][]normalizer.Record)
	var order []GroupKey

	for _, cand := range candidates {
		key := KeyFor(cand)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], cand)
	}

	winners := make([]normalizer.Record, 0, len(order))
	for _, key := range order {
		if winner, ok := SelectCanonical(groups[key]); ok {
			winners = append(winners, winner)
		}
	}
	return winners
}

// SelectCanonical picks the highest-scoring candidate from one group.
// Unpurchasable entries are excluded from consideration while any
// purchasable sibling exists; a group with only unpurchasable entries
// is dropped entirely (ok=false). Ties go to the earlier candidate.
func SelectCanonical(group []normalizer.Record) (normalizer.Record, bool) {
	if len(group) == 0 {
		return normalizer.Record{}, false
	}

	anyBuyable := false
	for _, cand := range group {
		if cand.Buyable {
			anyBuyable = true
			break
		}
	}
	if !anyBuyable {
		return normalizer.Record{}, false
	}

	var winner normalizer.Record
	best := 0.0
	found := false
	for _, cand := range group {
		if !cand.Buyable {
			continue
		}
		score := Score(cand)
		if !found || score > best {
			winner = cand
			best = score
			found = true
		}
	}
	return winner, found
}

// Score computes the deterministic quality score of one candidate
func Score(rec normalizer.Record) float64 {
	score := 0.0

	if rec.Buyable {
		score += scoreBuyable
	} else {
		score += scoreUnbuyable
	}

	if year := releaseYear(rec.PublishDate); year > 0 {
		score += float64(year)
	}

	score += identifierScore(rec.ASIN)

	if !isPlaceholderTitle(rec.Title) {
		score += scoreRealTitle
	}
	score += float64(len(rec.Title)) * scorePerTitleChar

	if hasRealContributor(rec.Authors) {
		score += scoreAuthor
	}
	if hasRealContributor(rec.Narrators) {
		score += scoreNarrator
	}

	if rec.CoverURL != "" {
		score += scoreCover
	}
	if rec.RuntimeMinutes > 0 {
		score += scoreRuntime
	}

	return score
}

// identifierScore ranks external id formats: current vendor product
// codes beat secondary alphanumeric codes, and plain numeric ids
// (legacy/ISBN-style) are actively de-prioritized.
func identifierScore(asin string) float64 {
	switch {
	case asin == "":
		return 0
	case len(asin) == 10 && strings.HasPrefix(asin, asinPrefix):
		return scorePrimaryASIN
	case numericPattern.MatchString(asin):
		return scoreNumericID
	case alphanumericPattern.MatchString(strings.ToUpper(asin)):
		return scoreSecondaryASIN
	default:
		return 0
	}
}

func releaseYear(date string) int {
	if len(date) < 4 {
		return 0
	}
	year, err := strconv.Atoi(date[:4])
	if err != nil || year < 1000 || year > 9999 {
		return 0
	}
	return year
}

func isPlaceholderTitle(title string) bool {
	switch strings.ToLower(strings.TrimSpace(title)) {
	case "", "unknown", "untitled", "n/a", "tba", "tbd":
		return true
	default:
		return false
	}
}

func hasRealContributor(names []string) bool {
	for _, name := range names {
		if name != "" && name != normalizer.UnknownContributor {
			return true
		}
	}
	return false
}
