package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"docflow/api/internal/store"
)

// CacheStore is the read surface the cache rebuilds from. It stays
// authoritative; the cache is a short-lived derived index only.
type CacheStore interface {
	ListDocumentReviews(ctx context.Context, documentID string) ([]store.ReviewRecord, error)
	ListUnstartedRevisions(ctx context.Context, documentID string) ([]store.Revision, error)
}

// Cache is the per-document reviews-by-revision index. Two Redis keys
// exist per document: the primary map built from persisted review
// records, and a placeholder map synthesized for revisions whose
// review never started, so their intended distribution list still
// renders. Entries live for a few seconds and are rebuilt lazily.
type Cache struct {
	client *redis.Client
	store  CacheStore
	ttl    time.Duration
}

// NewCache wraps an existing Redis client.
func NewCache(client *redis.Client, st CacheStore, ttl time.Duration) *Cache {
	return &Cache{client: client, store: st, ttl: ttl}
}

// NewCacheFromURL connects to Redis and verifies the connection.
func NewCacheFromURL(redisURL string, st CacheStore, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewCache(client, st, ttl), nil
}

func reviewsKey(documentID string) string {
	return "reviews:" + documentID
}

func placeholdersKey(documentID string) string {
	return "placeholders:" + documentID
}

// ReviewsForRevision returns the revision's review records in stable
// (revision, id) order. For a revision whose review never started it
// falls back to synthesized void records per assigned role; when the
// revision is unknown it returns an empty list.
func (c *Cache) ReviewsForRevision(ctx context.Context, rev store.Revision) ([]store.ReviewRecord, error) {
	all, err := c.allReviews(ctx, rev.DocumentID)
	if err != nil {
		return nil, err
	}
	if records, ok := all[rev.Revision]; ok {
		return records, nil
	}

	placeholders, err := c.placeholderReviews(ctx, rev.DocumentID)
	if err != nil {
		return nil, err
	}
	if records, ok := placeholders[rev.Revision]; ok {
		return records, nil
	}

	return []store.ReviewRecord{}, nil
}

// allReviews loads the document's primary map, rebuilding it from the
// store on a miss. Records arrive sorted by (revision, id), so a
// single stable pass groups them.
func (c *Cache) allReviews(ctx context.Context, documentID string) (map[int][]store.ReviewRecord, error) {
	key := reviewsKey(documentID)
	if cached, ok := c.lookup(ctx, key); ok {
		return cached, nil
	}

	records, err := c.store.ListDocumentReviews(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("rebuild reviews cache: %w", err)
	}

	grouped := make(map[int][]store.ReviewRecord)
	for _, record := range records {
		grouped[record.Revision] = append(grouped[record.Revision], record)
	}

	c.save(ctx, key, grouped)
	return grouped, nil
}

// placeholderReviews builds the fallback map: for each revision with
// no started review, one void record per assigned reviewer plus one
// for the leader and approver when set. These exist for display only
// and are never persisted.
func (c *Cache) placeholderReviews(ctx context.Context, documentID string) (map[int][]store.ReviewRecord, error) {
	key := placeholdersKey(documentID)
	if cached, ok := c.lookup(ctx, key); ok {
		return cached, nil
	}

	revisions, err := c.store.ListUnstartedRevisions(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("rebuild placeholders cache: %w", err)
	}

	placeholders := make(map[int][]store.ReviewRecord)
	for _, rev := range revisions {
		records := make([]store.ReviewRecord, 0, len(rev.ReviewerIDs)+2)
		for _, reviewerID := range rev.ReviewerIDs {
			records = append(records, voidRecord(rev, reviewerID, store.RoleReviewer))
		}
		if rev.LeaderID != nil {
			records = append(records, voidRecord(rev, *rev.LeaderID, store.RoleLeader))
		}
		if rev.ApproverID != nil {
			records = append(records, voidRecord(rev, *rev.ApproverID, store.RoleApprover))
		}
		placeholders[rev.Revision] = records
	}

	c.save(ctx, key, placeholders)
	return placeholders, nil
}

func voidRecord(rev store.Revision, reviewerID, role string) store.ReviewRecord {
	return store.ReviewRecord{
		DocumentID: rev.DocumentID,
		Revision:   rev.Revision,
		ReviewerID: reviewerID,
		Role:       role,
		Status:     store.StatusVoid,
	}
}

// lookup returns the cached map when present and decodable. A decode
// failure counts as a miss so a corrupt entry just gets rebuilt.
func (c *Cache) lookup(ctx context.Context, key string) (map[int][]store.ReviewRecord, bool) {
	payload, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.Printf("review: cache lookup %s: %v", key, err)
		return nil, false
	}
	var cached map[int][]store.ReviewRecord
	if err := json.Unmarshal([]byte(payload), &cached); err != nil {
		log.Printf("review: cache decode %s: %v", key, err)
		return nil, false
	}
	return cached, true
}

// save stores the rebuilt map with the cache TTL. A failed write is
// logged and the fresh data returned regardless; the cache never
// blocks a read it could serve from the store.
func (c *Cache) save(ctx context.Context, key string, value map[int][]store.ReviewRecord) {
	payload, err := json.Marshal(value)
	if err != nil {
		log.Printf("review: cache encode %s: %v", key, err)
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		log.Printf("review: cache save %s: %v", key, err)
	}
}

// Invalidate clears the document's primary entry. Review record
// writes call this.
func (c *Cache) Invalidate(ctx context.Context, documentID string) error {
	if err := c.client.Del(ctx, reviewsKey(documentID)).Err(); err != nil {
		return fmt.Errorf("invalidate reviews cache: %w", err)
	}
	return nil
}

// InvalidateDocument clears both entries. Document-level mutations
// (new revision, role changes) call this since they can affect the
// placeholder map too.
func (c *Cache) InvalidateDocument(ctx context.Context, documentID string) error {
	if err := c.client.Del(ctx, reviewsKey(documentID), placeholdersKey(documentID)).Err(); err != nil {
		return fmt.Errorf("invalidate document cache: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}
