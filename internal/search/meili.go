package search

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxPosts = "tideline_posts"

// Meili indexes and searches stream posts via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     *zap.Logger
}

// NewMeili creates a Meilisearch client and configures the posts index. The
// caller should proceed without it if the instance stays unreachable; a
// background loop re-checks health.
func NewMeili(url, apiKey string, log *zap.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		log:    log,
	}

	if _, err := client.Health(); err != nil {
		log.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxPosts,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug("create index (may already exist)", zap.Error(err))
	}

	index := m.client.Index(idxPosts)
	searchable := []string{"text", "author"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attrs", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	resp, err := m.client.Index(idxPosts).Search(q.Text, &meili.SearchRequest{
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"text"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, Result{
			PostID:  decodeInt64(hit, "id"),
			Author:  decodeString(hit, "author"),
			Snippet: firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text")),
		})
	}
	return results, int(resp.EstimatedTotalHits), nil
}

// IndexPost adds or updates a post in the search index.
func (m *Meili) IndexPost(record PostRecord) error {
	_, err := m.client.Index(idxPosts).AddDocuments([]PostRecord{record}, nil)
	return err
}

// RemovePost deletes a post from the search index.
func (m *Meili) RemovePost(postID int64) error {
	_, err := m.client.Index(idxPosts).DeleteDocument(strconv.FormatInt(postID, 10), nil)
	return err
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err == nil {
		return value
	}
	return ""
}

func decodeInt64(hit meili.Hit, key string) int64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var value int64
	if err := json.Unmarshal(raw, &value); err == nil {
		return value
	}
	return 0
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
