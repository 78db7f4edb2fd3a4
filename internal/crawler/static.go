package crawler

import (
	"context"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/cardpipe/internal/upstream"
)

// StaticPages serves a single downloaded array as consecutive pages so that
// raw set files flow through the same checkpoint cadence as the paged API.
// The array is loaded on the first request only.
type StaticPages struct {
	load    func(ctx context.Context) ([]json.RawMessage, error)
	records []json.RawMessage
	loaded  bool
}

// NewStaticPages wraps load, typically a RawClient method bound to a set code.
func NewStaticPages(load func(ctx context.Context) ([]json.RawMessage, error)) *StaticPages {
	return &StaticPages{load: load}
}

// FetchPage implements PageFetcher. The query is ignored.
func (s *StaticPages) FetchPage(ctx context.Context, _ string, pageNumber, pageSize int) (upstream.Page, error) {
	if !s.loaded {
		records, err := s.load(ctx)
		if err != nil {
			return upstream.Page{}, err
		}
		s.records = records
		s.loaded = true
	}

	start := (pageNumber - 1) * pageSize
	if start > len(s.records) {
		start = len(s.records)
	}
	end := min(start+pageSize, len(s.records))
	return upstream.Page{
		Records:    s.records[start:end],
		Page:       pageNumber,
		PageSize:   pageSize,
		Count:      end - start,
		TotalCount: len(s.records),
	}, nil
}
