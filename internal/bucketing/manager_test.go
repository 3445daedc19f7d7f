package bucketing

import (
	"fmt"
	"testing"
	"time"

	"trust-service/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestBucketsAreStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{TokenBuckets: 64, RequestBuckets: 16})

	seen := map[int]bool{}
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("token-%d", i)
		b := bm.GetTokenBucket(key)
		assert.Equal(t, b, bm.GetTokenBucket(key))
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 64)
		seen[b] = true

		r := bm.GetRequestBucket(key)
		assert.Less(t, r, 16)
	}
	assert.Greater(t, len(seen), 32, "keys should spread across buckets")
}

func TestZeroBucketsClampToOne(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{})
	assert.Equal(t, 0, bm.GetTokenBucket("a"))
	assert.Equal(t, 1, bm.RequestBuckets())
}

func TestDateBucket(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{TokenBuckets: 1, RequestBuckets: 1})
	ts := time.Date(2024, 3, 1, 23, 30, 0, 0, time.FixedZone("x", -2*3600))
	assert.Equal(t, "2024-03-02", bm.GetDateBucket(ts))
}
