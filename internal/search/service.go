package search

import "go.uber.org/zap"

// Service is the facade that tries Meilisearch first and falls back to the
// Postgres ILIKE scan.
type Service struct {
	meili  *Meili
	pglike *PgLike
	log    *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pglike *PgLike, log *zap.Logger) *Service {
	return &Service{meili: meili, pglike: pglike, log: log}
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to pglike", zap.Error(err))
	}

	results, total, err := s.pglike.Search(q)
	if err != nil {
		s.log.Error("pglike search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPost indexes a post, fire-and-forget.
func (s *Service) IndexPost(record PostRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexPost(record); err != nil {
			s.log.Warn("index post", zap.Int64("postID", record.ID), zap.Error(err))
		}
	}()
}

// RemovePost drops a post from the index, fire-and-forget.
func (s *Service) RemovePost(postID int64) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.RemovePost(postID); err != nil {
			s.log.Warn("remove post from index", zap.Int64("postID", postID), zap.Error(err))
		}
	}()
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
