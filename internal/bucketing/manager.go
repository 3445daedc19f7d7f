package bucketing

import (
	"hash"
	"sync"
	"time"

	"trust-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager spreads Scylla partitions: verification tokens and DSR
// requests are both bucketed by id. Assignments are stable for a given
// bucket count.
type BucketingManager struct {
	tokenBuckets   int
	requestBuckets int
	hasherPool     sync.Pool
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	bm := &BucketingManager{
		tokenBuckets:   max(cfg.TokenBuckets, 1),
		requestBuckets: max(cfg.RequestBuckets, 1),
	}
	bm.hasherPool = sync.Pool{
		New: func() any {
			return murmur3.New64()
		},
	}
	return bm
}

// GetTokenBucket returns the partition bucket for a token id.
func (bm *BucketingManager) GetTokenBucket(email string) int {
	return bm.getBucket(email, bm.tokenBuckets)
}

// GetRequestBucket returns the partition bucket for a DSR id.
func (bm *BucketingManager) GetRequestBucket(requestID string) int {
	return bm.getBucket(requestID, bm.requestBuckets)
}

// GetDateBucket returns the UTC day used to partition time-ordered rows.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) TokenBuckets() int {
	return bm.tokenBuckets
}

func (bm *BucketingManager) RequestBuckets() int {
	return bm.requestBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
