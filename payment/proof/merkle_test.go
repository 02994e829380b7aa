package proof

import "testing"

func TestRootIsOrderIndependent(t *testing.T) {
	a, err := NewTree([]string{"aa", "bb", "cc"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewTree([]string{"cc", "aa", "bb"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Root() != b.Root() {
		t.Errorf("expected identical roots, got %s and %s", a.Root(), b.Root())
	}

	c, err := NewTree([]string{"aa", "bb"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Root() == c.Root() {
		t.Error("different leaf sets must not share a root")
	}
}

func TestRootNormalization(t *testing.T) {
	a, err := NewTree([]string{"0xAA", "0xBB"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewTree([]string{"aa", "bb"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Root() != b.Root() {
		t.Errorf("0x-prefixed uppercase leaves must normalize: %s vs %s", a.Root(), b.Root())
	}
	if a.Root()[:2] != "0x" {
		t.Errorf("root must be 0x-prefixed, got %s", a.Root())
	}
}

func TestSingleLeaf(t *testing.T) {
	tree, err := NewTree([]string{"ab"})
	if err != nil {
		t.Fatal(err)
	}
	if tree.Root() != "0xab" {
		t.Errorf("single leaf root should be the leaf itself, got %s", tree.Root())
	}
	if !Verify("ab", tree.Proof("ab"), tree.Root()) {
		t.Error("empty proof for a single leaf should verify")
	}
}

func TestProofVerify(t *testing.T) {
	leaves := []string{"aa", "bb", "cc", "dd", "ee"}
	tree, err := NewTree(leaves)
	if err != nil {
		t.Fatal(err)
	}

	for _, leaf := range leaves {
		steps := tree.Proof(leaf)
		if steps == nil {
			t.Fatalf("no proof for leaf %s", leaf)
		}
		if !Verify(leaf, steps, tree.Root()) {
			t.Errorf("proof for %s did not verify", leaf)
		}
		if Verify(leaf, steps, "0x"+"00") {
			t.Errorf("proof for %s verified against a wrong root", leaf)
		}
	}
}

func TestProofTamperDetection(t *testing.T) {
	tree, err := NewTree([]string{"aa", "bb", "cc", "dd"})
	if err != nil {
		t.Fatal(err)
	}
	steps := tree.Proof("aa")
	if len(steps) == 0 {
		t.Fatal("expected a non-empty proof")
	}
	steps[0].Sibling = "ff"
	if Verify("aa", steps, tree.Root()) {
		t.Error("tampered sibling must not verify")
	}
}

func TestProofForUnknownLeaf(t *testing.T) {
	tree, err := NewTree([]string{"aa", "bb"})
	if err != nil {
		t.Fatal(err)
	}
	if steps := tree.Proof("ff"); steps != nil {
		t.Errorf("expected nil proof for unknown leaf, got %v", steps)
	}
}

func TestInvalidLeaves(t *testing.T) {
	if _, err := NewTree(nil); err == nil {
		t.Error("empty leaf set must be rejected")
	}
	if _, err := NewTree([]string{"not-hex"}); err == nil {
		t.Error("non-hex leaf must be rejected")
	}
}
