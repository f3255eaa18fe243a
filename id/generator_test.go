package id

import (
	"sort"
	"sync"
	"testing"
	"time"
)

func TestSequenceGenerator_NextID_Uniqueness(t *testing.T) {
	gen := NewSequenceGenerator("b1")

	seen := make(map[uint64]bool)
	const iterations = 10000

	for i := 0; i < iterations; i++ {
		id := gen.NextID()
		if seen[id] {
			t.Fatalf("duplicate ID generated at iteration %d: %d", i, id)
		}
		seen[id] = true
	}
}

func TestSequenceGenerator_NextID_Monotonic(t *testing.T) {
	gen := NewSequenceGenerator("b1")

	var prev uint64
	const iterations = 1000

	for i := 0; i < iterations; i++ {
		id := gen.NextID()
		if id <= prev {
			t.Fatalf("non-monotonic ID at iteration %d: prev=%d, curr=%d", i, prev, id)
		}
		prev = id
	}
}

func TestSequenceGenerator_NextID_Concurrent(t *testing.T) {
	gen := NewSequenceGenerator("b1")

	const goroutines = 10
	const idsPerGoroutine = 1000

	var wg sync.WaitGroup
	idsChan := make(chan uint64, goroutines*idsPerGoroutine)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < idsPerGoroutine; i++ {
				idsChan <- gen.NextID()
			}
		}()
	}

	wg.Wait()
	close(idsChan)

	seen := make(map[uint64]bool)
	for id := range idsChan {
		if seen[id] {
			t.Fatalf("duplicate ID in concurrent test: %d", id)
		}
		seen[id] = true
	}

	if len(seen) != goroutines*idsPerGoroutine {
		t.Fatalf("expected %d unique IDs, got %d", goroutines*idsPerGoroutine, len(seen))
	}
}

func TestSequenceGenerator_StringOrder(t *testing.T) {
	gen := NewSequenceGeneratorAt("broker", 0xfe)

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		ids = append(ids, gen.NextString())
	}

	if ids[0] != "ID:broker-00000000000000ff" {
		t.Errorf("unexpected first id %q", ids[0])
	}
	if !sort.StringsAreSorted(ids) {
		t.Errorf("string ids not ordered: %v", ids)
	}
}

func TestSequenceGenerator_RestartsAhead(t *testing.T) {
	first := NewSequenceGenerator("b").NextID()
	time.Sleep(2 * time.Millisecond)
	second := NewSequenceGenerator("b").NextID()

	if second <= first {
		t.Errorf("later generator started behind: %d <= %d", second, first)
	}
}

func BenchmarkSequenceGenerator_NextID(b *testing.B) {
	gen := NewSequenceGenerator("b")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		gen.NextID()
	}
}

func BenchmarkSequenceGenerator_NextString_Parallel(b *testing.B) {
	gen := NewSequenceGenerator("b")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			gen.NextString()
		}
	})
}
