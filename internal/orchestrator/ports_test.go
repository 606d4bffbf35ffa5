package orchestrator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPortAllocator_ReservesUntilReleased(t *testing.T) {
	a := NewPortAllocator()

	port, release, err := a.Allocate()
	require.NoError(t, err)
	require.Greater(t, port, 0)
	require.True(t, a.Reserved(port))

	release()
	require.False(t, a.Reserved(port))
}

func TestPortAllocator_ConcurrentAllocationsAreDistinct(t *testing.T) {
	a := NewPortAllocator()

	const n = 20
	var mu sync.Mutex
	ports := make(map[int]int)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, _, err := a.Allocate()
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			mu.Lock()
			ports[port]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for port, count := range ports {
		require.Equalf(t, 1, count, "port %d handed out %d times", port, count)
	}
}
