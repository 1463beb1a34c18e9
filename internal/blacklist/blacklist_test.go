package blacklist

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddIsFirstWriterWins(t *testing.T) {
	s := New()
	require.True(t, s.Add("http://a/"))
	require.False(t, s.Add("http://a/"))
	require.True(t, s.Has("http://a/"))
	require.False(t, s.Has("http://b/"))
	require.Equal(t, 1, s.Size())
}

// Exactly one goroutine may win the insert for any URL, no matter how many
// race on it.
func TestAddAtomicUnderContention(t *testing.T) {
	s := New()
	var wins atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if s.Add(fmt.Sprintf("http://host/page%d", i)) {
					wins.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(200), wins.Load())
	require.Equal(t, 200, s.Size())
}
