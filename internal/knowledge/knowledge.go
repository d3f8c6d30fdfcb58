// Package knowledge defines the Knowledge Retriever consumed interface
// (C4) plus a minimal in-process reference implementation: a flat slice
// scored by keyword overlap, used for tests and examples. Callers wire a
// real retriever (vector DB, search index) against the same interface.
package knowledge

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// ChunkType is the closed set of knowledge bucket kinds.
type ChunkType string

const (
	TypeRunbook      ChunkType = "runbook"
	TypePostmortem   ChunkType = "postmortem"
	TypeArchitecture ChunkType = "architecture"
	TypeKnownIssue   ChunkType = "known_issue"
)

// Chunk is one retrievable piece of knowledge.
type Chunk struct {
	ID         string
	DocumentID string
	Title      string
	Content    string
	Type       ChunkType
	Services   []string
	Score      float64 // 0..1, set by the retriever
	SourceURL  string
}

// Query describes what the orchestrator is looking for.
type Query struct {
	Text          string
	IncidentID    string
	Services      []string
	Symptoms      []string
	ErrorMessages []string
}

// Result buckets retrieved chunks by type.
type Result struct {
	Runbooks      []Chunk
	Postmortems   []Chunk
	Architecture  []Chunk
	KnownIssues   []Chunk
}

// Retriever is the consumed interface. The orchestrator never dereferences
// an implementation's internals — only the returned chunks.
type Retriever interface {
	Retrieve(ctx context.Context, q Query) (Result, error)
}

// Store is a minimal in-process Retriever: a flat slice of chunks scored by
// term overlap against the query text plus any matching service names.
// It never persists anything and is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	chunks []Chunk
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Add indexes a chunk for future retrieval.
func (s *Store) Add(c Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
}

func termOverlapScore(text string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, term := range terms {
		if term == "" {
			continue
		}
		if strings.Contains(lower, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func queryTerms(q Query) []string {
	fields := strings.Fields(strings.ToLower(q.Text))
	for _, s := range q.Services {
		fields = append(fields, strings.ToLower(s))
	}
	for _, s := range q.Symptoms {
		fields = append(fields, strings.Fields(strings.ToLower(s))...)
	}
	for _, s := range q.ErrorMessages {
		fields = append(fields, strings.Fields(strings.ToLower(s))...)
	}
	return fields
}

func serviceOverlap(chunkServices, queryServices []string) bool {
	for _, cs := range chunkServices {
		for _, qs := range queryServices {
			if strings.EqualFold(cs, qs) {
				return true
			}
		}
	}
	return false
}

// Retrieve scores every indexed chunk against q by keyword overlap over its
// title and content, with a small boost when the chunk names one of the
// query's affected services, and returns every chunk with a positive score,
// highest first, bucketed by type. No cap on the number of results applies.
func (s *Store) Retrieve(ctx context.Context, q Query) (Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := queryTerms(q)
	var scored []Chunk
	for _, c := range s.chunks {
		score := termOverlapScore(c.Title+" "+c.Content, terms)
		if serviceOverlap(c.Services, q.Services) {
			score = score*0.8 + 0.2
		}
		if score <= 0 {
			continue
		}
		cc := c
		cc.Score = score
		scored = append(scored, cc)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	var res Result
	for _, c := range scored {
		switch c.Type {
		case TypeRunbook:
			res.Runbooks = append(res.Runbooks, c)
		case TypePostmortem:
			res.Postmortems = append(res.Postmortems, c)
		case TypeArchitecture:
			res.Architecture = append(res.Architecture, c)
		case TypeKnownIssue:
			res.KnownIssues = append(res.KnownIssues, c)
		}
	}
	return res, nil
}
