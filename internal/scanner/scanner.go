// Package scanner defines the image->books collaborator shelf_scan
// delegates OCR/vision work to. Scanning is out of scope per §1; Provider
// is the contract and FixedProvider is a deterministic test double.
package scanner

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// FoundBook is one candidate title the scanner read off a shelf photo.
type FoundBook struct {
	Title      string  `json:"title"`
	Author     string  `json:"author,omitempty"`
	ISBN       string  `json:"isbn,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Provider extracts candidate books from a single photo's raw bytes.
type Provider interface {
	ScanPhoto(ctx context.Context, photo []byte) ([]FoundBook, error)
}

// FixedProvider is a Provider test double that returns the same result
// for every call, useful for driving shelf_scan driver tests without a
// real vision backend.
type FixedProvider struct {
	Books []FoundBook
	Err   error
}

func (f *FixedProvider) ScanPhoto(ctx context.Context, photo []byte) ([]FoundBook, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Books, nil
}

// Dedupe merges duplicate books found across multiple shelf photos, keeping
// the highest-confidence reading of each. A book's ISBN is the primary
// dedup key when present, since two spines can share a title/author pair
// (reprints, anthologies); books with no ISBN fall back to a
// title||"::"||author key. Confidence comparisons use decimal rather than
// float64 equality/ordering since provider confidence scores are compared
// across photos and naive float comparisons would be
// order-dependent.
func Dedupe(books []FoundBook) []FoundBook {
	best := make(map[string]FoundBook, len(books))
	order := make([]string, 0, len(books))
	for _, b := range books {
		k := dedupeKey(b)
		existing, ok := best[k]
		if !ok {
			best[k] = b
			order = append(order, k)
			continue
		}
		if decimal.NewFromFloat(b.Confidence).GreaterThan(decimal.NewFromFloat(existing.Confidence)) {
			best[k] = b
		}
	}
	out := make([]FoundBook, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

func dedupeKey(b FoundBook) string {
	if isbn := strings.ToLower(strings.TrimSpace(b.ISBN)); isbn != "" {
		return "isbn:" + isbn
	}
	return strings.ToLower(strings.TrimSpace(b.Title)) + "::" + strings.ToLower(strings.TrimSpace(b.Author))
}
