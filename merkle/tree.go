// Package merkle implements the sorted-pair keccak merkle tree committing to
// a product's purchase leaves, and the per-product tree cache serving roots
// and proofs.
//
// Leaves are double-hashed (keccak of keccak) before insertion and hashed
// leaves are sorted, so the root and every proof are canonical regardless of
// insertion order. Pair hashing is commutative: the smaller node always goes
// first, which keeps proofs position-free.
package merkle

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Tree is an immutable merkle tree over a fixed leaf set.
type Tree struct {
	// levels[0] holds the sorted leaf hashes, the last level holds the root.
	levels [][]common.Hash
	// index of each leaf hash in levels[0]
	index map[common.Hash]int
}

// LeafHash double-hashes a raw leaf. Double hashing prevents a proof node
// from being reinterpreted as a leaf.
func LeafHash(leaf []byte) common.Hash {
	inner := crypto.Keccak256(leaf)
	return common.BytesToHash(crypto.Keccak256(inner))
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return common.BytesToHash(crypto.Keccak256(a[:], b[:]))
}

// NewTree builds a tree from raw leaves. Duplicate leaves collapse into one.
func NewTree(leaves [][]byte) *Tree {
	hashes := make([]common.Hash, 0, len(leaves))
	seen := make(map[common.Hash]struct{}, len(leaves))
	for _, leaf := range leaves {
		h := LeafHash(leaf)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})

	t := &Tree{index: make(map[common.Hash]int, len(hashes))}
	for i, h := range hashes {
		t.index[h] = i
	}

	t.levels = append(t.levels, hashes)
	current := hashes
	for len(current) > 1 {
		next := make([]common.Hash, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 < len(current) {
				next = append(next, hashPair(current[i], current[i+1]))
			} else {
				// Odd node is carried up unchanged.
				next = append(next, current[i])
			}
		}
		t.levels = append(t.levels, next)
		current = next
	}
	return t
}

// Len returns the number of distinct leaves.
func (t *Tree) Len() int {
	return len(t.levels[0])
}

// Root returns the tree root. An empty tree has a zero root.
func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	if len(top) == 0 {
		return common.Hash{}
	}
	return top[0]
}

// Proof returns the sibling path for a raw leaf, or false when the leaf is
// not part of the tree.
func (t *Tree) Proof(leaf []byte) ([]common.Hash, bool) {
	idx, ok := t.index[LeafHash(leaf)]
	if !ok {
		return nil, false
	}

	proof := []common.Hash{}
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		idx /= 2
	}
	return proof, true
}

// Verify checks a proof produced by Proof against a root.
func Verify(root common.Hash, proof []common.Hash, leaf []byte) bool {
	computed := LeafHash(leaf)
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	return computed == root
}
