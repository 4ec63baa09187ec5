package logx

import (
	"fmt"
	"reflect"
	"testing"
)

func fill(r *Ring, n int) {
	for i := 0; i < n; i++ {
		_, _ = r.Write([]byte(fmt.Sprintf("line-%d\n", i)))
	}
}

func TestRingTailOldestFirst(t *testing.T) {
	r := NewRing(3)
	fill(r, 2)

	got := r.Tail(0)
	want := []string{"line-0", "line-1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tail = %v, want %v", got, want)
	}
}

func TestRingWrapKeepsMostRecent(t *testing.T) {
	r := NewRing(3)
	fill(r, 5)

	got := r.Tail(0)
	want := []string{"line-2", "line-3", "line-4"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tail after wrap = %v, want %v", got, want)
	}
}

func TestRingTailLimit(t *testing.T) {
	r := NewRing(5)
	fill(r, 4)

	got := r.Tail(2)
	want := []string{"line-2", "line-3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tail(2) = %v, want %v", got, want)
	}
}

func TestRingSkipsEmptyWrites(t *testing.T) {
	r := NewRing(3)
	_, _ = r.Write([]byte("\n"))
	_, _ = r.Write([]byte("kept\n"))

	if got := r.Tail(0); len(got) != 1 || got[0] != "kept" {
		t.Fatalf("Tail = %v, want [kept]", got)
	}
}

func TestRingResizeShrinkKeepsMostRecent(t *testing.T) {
	r := NewRing(5)
	fill(r, 5)

	r.Resize(2)
	got := r.Tail(0)
	want := []string{"line-3", "line-4"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tail after shrink = %v, want %v", got, want)
	}

	// The shrunk buffer must keep rotating correctly.
	_, _ = r.Write([]byte("line-5\n"))
	got = r.Tail(0)
	want = []string{"line-4", "line-5"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tail after shrink+write = %v, want %v", got, want)
	}
}

func TestRingResizeGrow(t *testing.T) {
	r := NewRing(2)
	fill(r, 3)

	r.Resize(4)
	got := r.Tail(0)
	want := []string{"line-1", "line-2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tail after grow = %v, want %v", got, want)
	}

	fill2 := []string{"a", "b", "c"}
	for _, s := range fill2 {
		_, _ = r.Write([]byte(s + "\n"))
	}
	got = r.Tail(0)
	want = []string{"line-2", "a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tail after grow+writes = %v, want %v", got, want)
	}
}
