// Merkle tree over settlement transaction hashes.
//
// Leaves are normalized to lowercase hex without the 0x prefix and sorted
// lexicographically before construction, so the root is canonical regardless
// of input order. Internal nodes hash the pair with SHA-256 after sorting the
// two children lexicographically, which removes left/right ambiguity. An odd
// node at any level is carried up unchanged.

package proof

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Tree struct {
	leaves []string
	layers [][]string
}

func NewTree(leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, errors.New("merkle tree requires at least one leaf")
	}

	normalized := make([]string, len(leaves))
	for i, leaf := range leaves {
		n := normalize(leaf)
		if _, err := hex.DecodeString(n); err != nil {
			return nil, fmt.Errorf("leaf %q is not valid hex", leaf)
		}
		normalized[i] = n
	}
	sort.Strings(normalized)

	t := &Tree{leaves: normalized, layers: [][]string{normalized}}
	t.build()
	return t, nil
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimPrefix(v, "0x"))
}

func hashHex(data string) string {
	raw, _ := hex.DecodeString(data)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func hashPair(a, b string) string {
	if a <= b {
		return hashHex(a + b)
	}
	return hashHex(b + a)
}

func (t *Tree) build() {
	current := t.leaves
	for len(current) > 1 {
		next := make([]string, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 < len(current) {
				next = append(next, hashPair(current[i], current[i+1]))
			} else {
				next = append(next, current[i])
			}
		}
		t.layers = append(t.layers, next)
		current = next
	}
}

// Root returns the 0x-prefixed hex root.
func (t *Tree) Root() string {
	top := t.layers[len(t.layers)-1]
	return "0x" + top[0]
}

// Step is one level of a membership proof. Left records whether the sibling
// is concatenated before the running hash, which by construction matches the
// sorted-pair rule.
type Step struct {
	Sibling string `json:"sibling"`
	Left    bool   `json:"left"`
}

// Proof returns the membership proof for the given leaf, or nil when the
// leaf is not in the tree.
func (t *Tree) Proof(leaf string) []Step {
	target := normalize(leaf)
	index := -1
	for i, l := range t.leaves {
		if l == target {
			index = i
			break
		}
	}
	if index == -1 {
		return nil
	}

	steps := []Step{}
	current := target
	for level := 0; level < len(t.layers)-1; level++ {
		layer := t.layers[level]
		var pairIndex int
		if index%2 == 0 {
			pairIndex = index + 1
		} else {
			pairIndex = index - 1
		}
		if pairIndex < len(layer) {
			sibling := layer[pairIndex]
			steps = append(steps, Step{Sibling: sibling, Left: sibling < current})
			current = hashPair(current, sibling)
		}
		index /= 2
	}
	return steps
}

// Verify recomputes the hash chain from leaf through the recorded steps and
// compares it with the 0x-prefixed root.
func Verify(leaf string, steps []Step, root string) bool {
	current := normalize(leaf)
	if _, err := hex.DecodeString(current); err != nil {
		return false
	}
	for _, step := range steps {
		sibling := normalize(step.Sibling)
		if _, err := hex.DecodeString(sibling); err != nil {
			return false
		}
		if step.Left {
			current = hashHex(sibling + current)
		} else {
			current = hashHex(current + sibling)
		}
	}
	return "0x"+current == root
}
