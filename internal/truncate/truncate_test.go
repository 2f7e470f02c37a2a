package truncate

import (
	"math"
	"strings"
	"testing"
)

// itemOfTokens builds an item whose estimated size is exactly n tokens.
func itemOfTokens(name string, n int) Item {
	return Item{Name: name, Content: strings.Repeat("x", n*4)}
}

func TestPlan_OneGiantFile(t *testing.T) {
	items := []Item{
		itemOfTokens("a", 1000),
		itemOfTokens("b", 1000),
		itemOfTokens("c", 10000),
		itemOfTokens("d", 300000),
	}
	allocs, stats := Plan(items, 100000)

	if stats.Mode != ModeProtection {
		t.Fatalf("mode = %s, want protection", stats.Mode)
	}
	want := []float64{1000, 1000, 10000, 88000}
	for i, a := range allocs {
		if math.Abs(a.AllocatedTokens-want[i]) > 0.5 {
			t.Errorf("alloc[%d] = %f, want %f", i, a.AllocatedTokens, want[i])
		}
	}
	if stats.ItemsProtected != 3 {
		t.Errorf("protected = %d, want 3", stats.ItemsProtected)
	}
	if stats.ItemsTruncated != 1 {
		t.Errorf("truncated = %d, want 1", stats.ItemsTruncated)
	}
}

func TestPlan_TwoLargeFiles(t *testing.T) {
	items := []Item{
		itemOfTokens("a", 1000),
		itemOfTokens("b", 1000),
		itemOfTokens("c", 100000),
		itemOfTokens("d", 200000),
	}
	allocs, stats := Plan(items, 100000)

	if stats.Mode != ModeProtection {
		t.Fatalf("mode = %s, want protection", stats.Mode)
	}
	if allocs[0].AllocatedTokens != 1000 || allocs[1].AllocatedTokens != 1000 {
		t.Errorf("small items not preserved: %f, %f", allocs[0].AllocatedTokens, allocs[1].AllocatedTokens)
	}
	// c and d each retain ~32.7% of their tokens.
	if math.Abs(allocs[2].AllocatedTokens-32666.67) > 1 {
		t.Errorf("alloc c = %f, want ~32666.67", allocs[2].AllocatedTokens)
	}
	if math.Abs(allocs[3].AllocatedTokens-65333.33) > 1 {
		t.Errorf("alloc d = %f, want ~65333.33", allocs[3].AllocatedTokens)
	}
}

func TestPlan_Fallback(t *testing.T) {
	items := []Item{
		itemOfTokens("a", 149),
		itemOfTokens("b", 251),
	}
	allocs, stats := Plan(items, 100)

	if stats.Mode != ModeFallback {
		t.Fatalf("mode = %s, want fallback", stats.Mode)
	}
	if math.Abs(allocs[0].AllocatedTokens-37.25) > 0.01 {
		t.Errorf("alloc a = %f, want 37.25", allocs[0].AllocatedTokens)
	}
	if math.Abs(allocs[1].AllocatedTokens-62.75) > 0.01 {
		t.Errorf("alloc b = %f, want 62.75", allocs[1].AllocatedTokens)
	}
}

func TestPlan_NoTruncation(t *testing.T) {
	items := []Item{itemOfTokens("a", 10), itemOfTokens("b", 20)}
	allocs, stats := Plan(items, 100)

	if stats.Mode != ModeNoTruncation {
		t.Fatalf("mode = %s, want no-truncation", stats.Mode)
	}
	if stats.TotalAfter != float64(stats.TotalBefore) {
		t.Errorf("total after %f != total before %d", stats.TotalAfter, stats.TotalBefore)
	}
	for i, a := range allocs {
		if a.Truncated {
			t.Errorf("alloc[%d] truncated in no-truncation mode", i)
		}
	}
}

func TestPlan_EdgeCases(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		allocs, stats := Plan(nil, 100)
		if len(allocs) != 0 {
			t.Errorf("got %d allocations, want 0", len(allocs))
		}
		if stats.TotalBefore != 0 {
			t.Errorf("total before = %d, want 0", stats.TotalBefore)
		}
	})

	t.Run("zero target", func(t *testing.T) {
		allocs, _ := Plan([]Item{itemOfTokens("a", 50)}, 0)
		if allocs[0].AllocatedTokens != 0 {
			t.Errorf("alloc = %f, want 0", allocs[0].AllocatedTokens)
		}
	})

	t.Run("negative target", func(t *testing.T) {
		allocs, _ := Plan([]Item{itemOfTokens("a", 50)}, -10)
		if allocs[0].AllocatedTokens != 0 {
			t.Errorf("alloc = %f, want 0", allocs[0].AllocatedTokens)
		}
	})

	t.Run("single item above budget", func(t *testing.T) {
		allocs, stats := Plan([]Item{itemOfTokens("a", 500)}, 100)
		if math.Abs(allocs[0].AllocatedTokens-100) > 0.01 {
			t.Errorf("alloc = %f, want 100", allocs[0].AllocatedTokens)
		}
		if stats.ItemsTruncated != 1 {
			t.Errorf("truncated = %d, want 1", stats.ItemsTruncated)
		}
	})
}

// TestPlan_Invariants exercises the properties that must hold for any input:
// sum matches the target when truncating, no allocation is negative or above
// its item's size, and equal items receive equal allocations.
func TestPlan_Invariants(t *testing.T) {
	cases := [][]int{
		{1, 1, 1},
		{100, 200, 300},
		{1000, 1000, 10000, 300000},
		{149, 251},
		{5000},
		{7, 7, 7, 7, 900000},
	}
	targets := []int{1, 100, 5000, 100000}

	for _, sizes := range cases {
		for _, target := range targets {
			items := make([]Item, len(sizes))
			for i, n := range sizes {
				items[i] = itemOfTokens("f", n)
			}
			allocs, stats := Plan(items, target)

			sum := 0.0
			for i, a := range allocs {
				sum += a.AllocatedTokens
				if a.AllocatedTokens < 0 {
					t.Errorf("sizes=%v target=%d: negative allocation %f", sizes, target, a.AllocatedTokens)
				}
				if a.AllocatedTokens > float64(a.Tokens) {
					t.Errorf("sizes=%v target=%d: allocation %f exceeds size %d", sizes, target, a.AllocatedTokens, a.Tokens)
				}
				if a.AllocatedChars < 0 {
					t.Errorf("sizes=%v target=%d: negative char budget", sizes, target)
				}
				// Equal-size items in the same mode allocate equally.
				for j := range allocs[:i] {
					if allocs[j].Tokens == a.Tokens && math.Abs(allocs[j].AllocatedTokens-a.AllocatedTokens) > 0.01 {
						t.Errorf("sizes=%v target=%d: unequal allocations for equal items", sizes, target)
					}
				}
			}

			if stats.Mode == ModeNoTruncation {
				if sum != float64(stats.TotalBefore) {
					t.Errorf("sizes=%v target=%d: sum %f != before %d", sizes, target, sum, stats.TotalBefore)
				}
			} else if math.Abs(sum-float64(target)) >= 1 {
				t.Errorf("sizes=%v target=%d mode=%s: sum %f not within 1 of target", sizes, target, stats.Mode, sum)
			}
		}
	}
}

func TestApply_RendersMarker(t *testing.T) {
	content := strings.Repeat("abcd", 1000) // 1000 tokens
	items := []Item{{Name: "big", Content: content}}
	out, stats := Apply(items, 100)

	if stats.ItemsTruncated != 1 {
		t.Fatalf("truncated = %d, want 1", stats.ItemsTruncated)
	}
	if !strings.HasSuffix(out[0].Content, Marker) {
		t.Errorf("truncated content missing marker")
	}
	if len(out[0].Content) > 400 {
		t.Errorf("rendered length %d exceeds char budget 400", len(out[0].Content))
	}
}

func TestApply_UntouchedWhenFits(t *testing.T) {
	items := []Item{{Name: "small", Content: "hello world"}}
	out, stats := Apply(items, 1000)
	if out[0].Content != "hello world" {
		t.Errorf("content modified: %q", out[0].Content)
	}
	if stats.Mode != ModeNoTruncation {
		t.Errorf("mode = %s", stats.Mode)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tc := range cases {
		if got := EstimateTokens(tc.in); got != tc.want {
			t.Errorf("EstimateTokens(len %d) = %d, want %d", len(tc.in), got, tc.want)
		}
	}
}
