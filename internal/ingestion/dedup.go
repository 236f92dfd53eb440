package ingestion

import (
	"SwapGate/internal/observability"
	"container/list"
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// DBDedupChecker looks up notifications already recorded in Postgres.
type DBDedupChecker interface {
	IsDuplicate(ctx context.Context, notificationID string) (bool, error)
}

// Deduplicator drops redelivered notifications with two tiers: an in-memory
// LRU of recently processed ids, then Postgres.
type Deduplicator struct {
	mu        sync.Mutex
	lru       *LRU
	dbChecker DBDedupChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewDeduplicator(capacity int, dbChecker DBDedupChecker, metrics *observability.Metrics, logger zerolog.Logger) *Deduplicator {
	return &Deduplicator{
		lru:       NewLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}
}

// IsDuplicate reports whether the notification was already processed.
func (d *Deduplicator) IsDuplicate(ctx context.Context, notificationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lru.Contains(notificationID) {
		d.count("lru")
		return true
	}

	if d.dbChecker != nil {
		dup, err := d.dbChecker.IsDuplicate(ctx, notificationID)
		if err != nil {
			// A lookup failure must not block ingestion; treat as new.
			d.logger.Warn().Err(err).Str("notification_id", notificationID).Msg("dedup lookup failed")
			return false
		}
		if dup {
			d.count("postgres")
			d.lru.Add(notificationID)
			return true
		}
	}
	return false
}

// MarkProcessed records a notification in the LRU.
func (d *Deduplicator) MarkProcessed(notificationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lru.Add(notificationID)
}

// Warm preloads recently processed ids, oldest first.
func (d *Deduplicator) Warm(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.lru.Add(id)
	}
}

func (d *Deduplicator) count(tier string) {
	if d.metrics != nil {
		d.metrics.NotificationDuplicates.WithLabelValues(tier).Inc()
	}
}

// LRU is a bounded set of keys evicting the least recently used.
// Not safe for concurrent use.
type LRU struct {
	capacity  int
	cache     map[string]*list.Element
	order     *list.List
	evictions int64
}

func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (l *LRU) Contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts a key (or promotes if exists)
func (l *LRU) Add(key string) {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.cache[key] = l.order.PushFront(key)
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.cache, oldest.Value.(string))
		l.evictions++
	}
}

func (l *LRU) Size() int { return l.order.Len() }

func (l *LRU) Evictions() int64 { return l.evictions }
