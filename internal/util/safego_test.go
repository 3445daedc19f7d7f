package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSafeGo_RecoversPanic(t *testing.T) {
	Set(zap.NewNop())
	var wg sync.WaitGroup
	wg.Add(2)

	SafeGo("panics", func() {
		defer wg.Done()
		panic("boom")
	})
	ran := false
	SafeGo("ok", func() {
		defer wg.Done()
		ran = true
	})

	wg.Wait()
	assert.True(t, ran)
}
