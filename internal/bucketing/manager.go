package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"otp-auth-service/internal/config"
)

// BucketingManager maps identifiers onto a fixed number of buckets with
// murmur3, so the same key lands in the same bucket on every instance.
type BucketingManager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return New(cfg.Bucketing.EventBuckets)
}

func New(eventBuckets int) *BucketingManager {
	if eventBuckets <= 0 {
		eventBuckets = 1
	}
	return &BucketingManager{
		eventBuckets: eventBuckets,
		hasherPool: sync.Pool{
			New: func() interface{} { return murmur3.New64() },
		},
	}
}

// EventBucket spreads audit rows for one identifier (usually a masked phone)
func (bm *BucketingManager) EventBucket(identifier string) int {
	return bm.bucket(identifier, bm.eventBuckets)
}

// DateBucket is the UTC day partition used by audit tables
func DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Shard picks one of n shards for key; n <= 0 collapses to a single shard
func (bm *BucketingManager) Shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return bm.bucket(key, n)
}

func (bm *BucketingManager) bucket(key string, n int) int {
	return int(bm.hash(key) % uint64(n))
}

func (bm *BucketingManager) hash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}
