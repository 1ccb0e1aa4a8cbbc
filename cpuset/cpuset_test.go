package cpuset

import (
	"errors"
	"slices"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestParse(t *testing.T) {
	tests := []struct {
		spec string
		want []int
	}{
		{"none", nil},
		{"", nil},
		{"all", []int{0, 1, 2, 3}},
		{"0-3", []int{0, 1, 2, 3}},
		{"3,1", []int{1, 3}},
		{"0,2-3", []int{0, 2, 3}},
		{" 1 , 1-2 ", []int{1, 2}},
	}
	for _, tc := range tests {
		s, err := Parse(tc.spec, 4)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.spec, err)
		}
		if got := s.CPUs(); !slices.Equal(got, tc.want) {
			t.Errorf("Parse(%q) = %v, want %v", tc.spec, got, tc.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, spec := range []string{"4", "-1", "a", "3-1", "0-9", "1,,2", "0-"} {
		if _, err := Parse(spec, 4); !errors.Is(err, ErrInvalidSpec) {
			t.Errorf("Parse(%q) error = %v, want ErrInvalidSpec", spec, err)
		}
	}
}

func TestString(t *testing.T) {
	s := New(0, 1, 2, 5, 7, 8)
	if got := s.String(); got != "0-2,5,7-8" {
		t.Errorf("String() = %q", got)
	}
	if got := New().String(); got != "none" {
		t.Errorf("String() = %q", got)
	}
}

func TestAllocatorDisjoint(t *testing.T) {
	a := NewAllocator(New(0, 1, 2, 3), 4, zaptest.NewLogger(t))
	seen := make(map[int]bool)
	var held []Assignment
	for i := 0; i < 4; i++ {
		as := a.Acquire()
		if !as.Pinned {
			t.Fatalf("acquire %d: expected pinned", i)
		}
		if seen[as.CPU] {
			t.Fatalf("cpu %d assigned twice", as.CPU)
		}
		seen[as.CPU] = true
		held = append(held, as)
	}
	if as := a.Acquire(); as.Pinned {
		t.Fatalf("expected unpinned when all CPUs are held, got %v", as)
	}
	a.Release(held[2])
	a.Release(held[2])
	if a.Held() != 3 {
		t.Fatalf("Held() = %d, want 3", a.Held())
	}
	if as := a.Acquire(); as.CPU != held[2].CPU {
		t.Fatalf("expected released cpu %d to be reused, got %v", held[2].CPU, as)
	}
}

func TestAllocatorFewerCPUs(t *testing.T) {
	a := NewAllocator(New(5), 3, zaptest.NewLogger(t))
	first := a.Acquire()
	second := a.Acquire()
	if !first.Pinned || first.CPU != 5 {
		t.Fatalf("unexpected first assignment %v", first)
	}
	if second.Pinned {
		t.Fatalf("expected excess worker to run unpinned, got %v", second)
	}
	a.Release(second)
	if a.Held() != 1 {
		t.Fatalf("Held() = %d, want 1", a.Held())
	}
}

func TestAllocatorConcurrent(t *testing.T) {
	const parallel = 8
	a := NewAllocator(New(0, 1, 2, 3, 4, 5, 6, 7), parallel, zaptest.NewLogger(t))

	var (
		mu    sync.Mutex
		inUse = make(map[int]bool)
		wg    sync.WaitGroup
	)
	for w := 0; w < parallel; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				as := a.Acquire()
				if !as.Pinned {
					t.Error("expected pinned assignment")
					return
				}
				mu.Lock()
				if inUse[as.CPU] {
					t.Errorf("cpu %d shared by two workers", as.CPU)
				}
				inUse[as.CPU] = true
				mu.Unlock()

				mu.Lock()
				inUse[as.CPU] = false
				mu.Unlock()
				a.Release(as)
			}
		}()
	}
	wg.Wait()
	if a.Held() != 0 {
		t.Fatalf("Held() = %d, want 0", a.Held())
	}
}
