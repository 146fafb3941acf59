package topics

import (
	"fmt"
	"sort"
	"testing"
)

func TestTrieInsertDelete(t *testing.T) {
	tr := NewTrie()

	if !tr.Empty() {
		t.Fatal("new trie should be empty")
	}

	if !tr.Insert("a/+/c") {
		t.Error("first insert should report a new filter")
	}
	if tr.Insert("a/+/c") {
		t.Error("second insert should not report a new filter")
	}
	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1", tr.Len())
	}

	if tr.Delete("a/+/c") {
		t.Error("first delete should not remove the filter, refcount is 2")
	}
	if !tr.Delete("a/+/c") {
		t.Error("second delete should remove the filter")
	}
	if !tr.Empty() {
		t.Error("trie should be empty after last delete")
	}
	if tr.Delete("a/+/c") {
		t.Error("deleting an absent filter should be a no-op")
	}
}

func TestTriePrune(t *testing.T) {
	tr := NewTrie()
	tr.Insert("a/b/+")
	tr.Insert("a/#")

	tr.Delete("a/b/+")
	// "a/#" must survive pruning of the "a/b/+" path.
	got := tr.Match("a/x")
	if len(got) != 1 || got[0] != "a/#" {
		t.Errorf("Match(a/x) = %v, want [a/#]", got)
	}
	if len(tr.root.children["a"].children) != 1 {
		t.Errorf("pruning left stale children: %v", tr.root.children["a"].children)
	}
}

func TestTrieMatch(t *testing.T) {
	tr := NewTrie()
	for _, f := range []string{"a/+/c", "a/#", "+/b/c", "#", "a/b/+"} {
		tr.Insert(f)
	}

	tests := []struct {
		topic string
		want  []string
	}{
		{"a/b/c", []string{"#", "+/b/c", "a/#", "a/+/c", "a/b/+"}},
		{"a/b", []string{"#", "a/#"}},
		{"a", []string{"#", "a/#"}},
		{"x/b/c", []string{"#", "+/b/c"}},
		{"$SYS/b/c", nil},
	}
	for _, tt := range tests {
		got := tr.Match(tt.topic)
		sort.Strings(got)
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("Match(%q) = %v, want %v", tt.topic, got, tt.want)
		}
	}
}

// TestTrieEquivalence checks that for a fixed multiset of filters the trie
// returns exactly the filters that Match accepts, over a grid of topics.
func TestTrieEquivalence(t *testing.T) {
	filters := []string{
		"a/+/c", "a/#", "+/+", "+/#", "#", "a/b/+", "+/b/c", "a/+/+",
		"$SYS/#", "$SYS/+/x", "a//+", "+//c",
	}
	parts := []string{"a", "b", "c", "x", ""}
	var tier []string
	for _, p := range parts {
		tier = append(tier, p)
		for _, q := range parts {
			tier = append(tier, p+"/"+q)
			for _, r := range parts {
				tier = append(tier, p+"/"+q+"/"+r)
			}
		}
	}
	tier = append(tier, "$SYS/b", "$SYS/b/x", "$SYS/a/x")

	tr := NewTrie()
	for _, f := range filters {
		tr.Insert(f)
	}

	for _, topic := range tier {
		if topic == "" {
			continue
		}
		var want []string
		for _, f := range filters {
			if Match(topic, f) {
				want = append(want, f)
			}
		}
		got := tr.Match(topic)
		sort.Strings(want)
		sort.Strings(got)
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("topic %q: trie %v, brute force %v", topic, got, want)
		}
	}
}
