package utils

import (
	"fmt"
	"testing"
)

func TestHash64Deterministic(t *testing.T) {
	if Hash64("user:123") != Hash64("user:123") {
		t.Error("same input must hash identically")
	}
	if Hash64("user:123") == Hash64("user:124") {
		t.Error("different inputs should hash differently")
	}
	if Hash64("abc") != HashBytes64([]byte("abc")) {
		t.Error("string and byte variants must agree")
	}
}

func TestHashKVsOrderIndependent(t *testing.T) {
	a := HashKVs([]KV{{0, "tech"}, {2, "kim"}})
	b := HashKVs([]KV{{2, "kim"}, {0, "tech"}})
	if a != b {
		t.Error("order must not change the digest")
	}
	c := HashKVs([]KV{{0, "tech"}})
	if a == c {
		t.Error("different sets must digest differently")
	}
	// Index participates: {0,"x"} != {1,"x"}.
	if HashKVs([]KV{{0, "x"}}) == HashKVs([]KV{{1, "x"}}) {
		t.Error("index must participate in the digest")
	}
}

func TestHashRingBasics(t *testing.T) {
	ring := NewHashRing(50)
	if err := ring.AddNode("", 1); err == nil {
		t.Error("empty node ID must be rejected")
	}

	for i := 1; i <= 3; i++ {
		if err := ring.AddNode(fmt.Sprintf("cache-%d", i), 1); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}
	if ring.Size() != 3 {
		t.Fatalf("Size = %d, want 3", ring.Size())
	}

	// Stability: the same key maps to the same node.
	n1 := ring.GetNode("user:42")
	n2 := ring.GetNode("user:42")
	if n1 == "" || n1 != n2 {
		t.Fatalf("GetNode unstable: %q then %q", n1, n2)
	}

	// Removing an unrelated node rarely moves a key; removing the owner
	// always does.
	if err := ring.RemoveNode(n1); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	if ring.GetNode("user:42") == n1 {
		t.Error("key must move off a removed node")
	}
	if err := ring.RemoveNode("cache-99"); err == nil {
		t.Error("removing an unknown node must error")
	}
}

func TestHashRingEmpty(t *testing.T) {
	ring := NewHashRing(0)
	if got := ring.GetNode("anything"); got != "" {
		t.Errorf("empty ring GetNode = %q, want empty", got)
	}
}

func TestHashRingDistribution(t *testing.T) {
	ring := NewHashRing(150)
	ring.AddNode("a", 1)
	ring.AddNode("b", 1)

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		counts[ring.GetNode(fmt.Sprintf("key-%d", i))]++
	}
	for node, n := range counts {
		if n < 200 {
			t.Errorf("node %s got %d/1000 keys, distribution too skewed", node, n)
		}
	}
}
