package catalog

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"docbatch/internal/models"
)

const dateLayout = "2006-01-02"

// Selection picks a subset of a listing. Explicit ids win over keyword and
// date filters; an empty selection keeps everything.
//
//	include_ids: [101, 102]
//	exclude_ids: [103]
//	include: [tema, practica]
//	exclude: [solucion]
//	from: 2023-09-01
//	to: 2024-06-30
type Selection struct {
	IncludeIDs []int64  `yaml:"include_ids"`
	ExcludeIDs []int64  `yaml:"exclude_ids"`
	Include    []string `yaml:"include"`
	Exclude    []string `yaml:"exclude"`
	From       string   `yaml:"from"`
	To         string   `yaml:"to"`

	from, to time.Time
}

// LoadSelection reads a selection file.
func LoadSelection(path string) (*Selection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read selection: %w", err)
	}
	return ParseSelection(data)
}

func ParseSelection(data []byte) (*Selection, error) {
	var s Selection
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse selection: %w", err)
	}
	if s.From != "" {
		t, err := time.Parse(dateLayout, s.From)
		if err != nil {
			return nil, fmt.Errorf("invalid from date %q: %w", s.From, err)
		}
		s.from = t
	}
	if s.To != "" {
		t, err := time.Parse(dateLayout, s.To)
		if err != nil {
			return nil, fmt.Errorf("invalid to date %q: %w", s.To, err)
		}
		// inclusive of the whole day
		s.to = t.Add(24*time.Hour - time.Nanosecond)
	}
	s.Include = foldAll(s.Include)
	s.Exclude = foldAll(s.Exclude)
	return &s, nil
}

// Apply returns the selected documents in their original order.
func (s *Selection) Apply(docs []models.Document) []models.Document {
	if s == nil {
		return docs
	}
	include := idSet(s.IncludeIDs)
	exclude := idSet(s.ExcludeIDs)

	out := make([]models.Document, 0, len(docs))
	for _, d := range docs {
		if exclude[d.ID] {
			continue
		}
		if len(include) > 0 {
			if include[d.ID] {
				out = append(out, d)
			}
			continue
		}
		if s.matches(&d) {
			out = append(out, d)
		}
	}
	return out
}

func (s *Selection) matches(d *models.Document) bool {
	if !s.from.IsZero() || !s.to.IsZero() {
		if created, err := time.Parse(time.RFC3339, d.CreatedAt); err == nil {
			if !s.from.IsZero() && created.Before(s.from) {
				return false
			}
			if !s.to.IsZero() && created.After(s.to) {
				return false
			}
		}
	}

	name := fold(d.Name)
	if len(s.Include) > 0 && !containsAny(name, s.Include) {
		return false
	}
	return !containsAny(name, s.Exclude)
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func idSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// fold lowercases s and strips diacritics.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

func foldAll(keywords []string) []string {
	out := keywords[:0]
	for _, kw := range keywords {
		if kw = fold(strings.TrimSpace(kw)); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
