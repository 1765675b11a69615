package catalog

import (
	"context"
	"fmt"

	"lembra/app/pkg/textnorm"
)

// Candidate is a catalog match offered to the user for selection.
type Candidate struct {
	ExternalID string `json:"external_id"`
	Title      string `json:"title"`
	Year       int    `json:"year,omitempty"`
	Type       string `json:"type"`
}

// Label renders "Title (Year)" or just the title when the year is unknown.
func (c Candidate) Label() string {
	if c.Year > 0 {
		return fmt.Sprintf("%s (%d)", c.Title, c.Year)
	}
	return c.Title
}

type Catalog interface {
	Search(ctx context.Context, query string) ([]Candidate, error)
}

// Exact returns the candidates whose title equals query ignoring case and
// accents, so an exact title wins over loose catalog matches.
func Exact(query string, candidates []Candidate) []Candidate {
	q := textnorm.Fold(query)
	var out []Candidate
	for _, c := range candidates {
		if textnorm.Fold(c.Title) == q {
			out = append(out, c)
		}
	}
	return out
}
