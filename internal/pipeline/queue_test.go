package pipeline

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestItemQueueFIFO(t *testing.T) {
	q := NewItemQueue()
	q.Enqueue(
		WorkItem{URL: "https://example.org/a", Term: "cafes"},
		WorkItem{URL: "https://example.org/b", Term: "cafes"},
	)
	q.Enqueue(WorkItem{URL: "https://example.org/c", Term: "cafes"})

	for _, want := range []string{"https://example.org/a", "https://example.org/b", "https://example.org/c"} {
		item, ok := q.TryDequeue()
		require.True(t, ok)
		require.Equal(t, want, item.URL)
	}
	_, ok := q.TryDequeue()
	require.False(t, ok)
}

func TestItemQueueExactlyOnceUnderContention(t *testing.T) {
	const total = 2000
	const consumers = 8

	q := NewItemQueue()
	for i := 0; i < total; i++ {
		q.Enqueue(WorkItem{URL: fmt.Sprintf("https://example.org/p%d", i), Term: "bars"})
	}
	q.FinishProducing()

	var mu sync.Mutex
	got := make(map[string]int, total)

	var wg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !q.Drained() {
				item, ok := q.TryDequeue()
				if !ok {
					continue
				}
				mu.Lock()
				got[item.URL]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, got, total)
	for url, n := range got {
		require.Equal(t, 1, n, "item %s dequeued %d times", url, n)
	}
}

func TestItemQueueDrained(t *testing.T) {
	q := NewItemQueue()
	require.False(t, q.Drained(), "producers still active")

	q.Enqueue(WorkItem{URL: "https://example.org/x", Term: "gyms"})
	q.FinishProducing()
	require.False(t, q.Drained(), "items still pending")

	_, ok := q.TryDequeue()
	require.True(t, ok)
	require.True(t, q.Drained())
}

func TestItemQueueAbandon(t *testing.T) {
	q := NewItemQueue()
	q.Enqueue(
		WorkItem{URL: "https://example.org/1", Term: "gyms"},
		WorkItem{URL: "https://example.org/2", Term: "gyms"},
	)

	require.Equal(t, 2, q.Abandon())
	require.Equal(t, 0, q.Len())
	_, ok := q.TryDequeue()
	require.False(t, ok)
}
