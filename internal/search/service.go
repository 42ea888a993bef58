package search

import (
	"context"
	"log"
)

// Service fronts the two backends. Substring search always runs against
// the linear scan so its results stay exact; the ranked path goes to
// Meilisearch when it is up and degrades to the linear scan otherwise.
type Service struct {
	meili  *Meili
	linear *Linear
}

// NewService creates a search service. meili may be nil if Meilisearch
// is not configured.
func NewService(meili *Meili, linear *Linear) *Service {
	return &Service{meili: meili, linear: linear}
}

// Search runs the exact substring scan.
func (s *Service) Search(ctx context.Context, q Query) Response {
	results, total, err := s.linear.Search(ctx, q)
	if err != nil {
		log.Printf("search: linear scan error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// SearchRanked prefers Meilisearch for typo-tolerant ranking.
func (s *Service) SearchRanked(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to linear scan: %v", err)
	}
	return s.Search(ctx, q)
}

// IndexThread mirrors a thread into Meilisearch (fire-and-forget).
func (s *Service) IndexThread(t ThreadRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexThread(t); err != nil {
			log.Printf("search: index thread %s: %v", t.ID, err)
		}
	}()
}

// IndexReply mirrors a reply into Meilisearch (fire-and-forget).
func (s *Service) IndexReply(r ReplyRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexReply(r); err != nil {
			log.Printf("search: index reply %s: %v", r.ID, err)
		}
	}()
}

// DeleteThread removes a thread from the mirror (fire-and-forget).
func (s *Service) DeleteThread(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteThread(id); err != nil {
			log.Printf("search: delete thread %s: %v", id, err)
		}
	}()
}

// DeleteReply removes a reply from the mirror (fire-and-forget).
func (s *Service) DeleteReply(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteReply(id); err != nil {
			log.Printf("search: delete reply %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes a full mirror of the forum into Meilisearch.
func (s *Service) ReindexAll(threads []ThreadRecord, replies []ReplyRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexThreads(threads); err != nil {
		log.Printf("search: reindex threads: %v", err)
	}
	if err := s.meili.IndexReplies(replies); err != nil {
		log.Printf("search: reindex replies: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
