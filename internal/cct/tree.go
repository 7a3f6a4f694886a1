// Copyright (C) ClusterCockpit.
// All rights reserved. This file is part of cc-profdb.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cct implements the Calling-Context Tree unifier: an
// arena-allocated, lock-light concurrent tree that deduplicates call paths
// across every measurement stream into one global tree with stable integer
// identifiers assigned at finalization.
//
// Grounded on the teacher's Level tree (internal/memorystore/level.go):
// the same RLock-then-upgrade-to-Lock dance for "does this child already
// exist" is used here, generalized from a string-selector path into a
// (relation, scope) keyed child lookup, and from a map-of-string-to-Level
// tree into a flat index-addressed arena so back-references are 32-bit
// ContextIDs rather than pointers (§9).
package cct

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/ClusterCockpit/cc-profdb/internal/profile"
)

type node struct {
	parent   profile.ContextID
	relation profile.Relation
	scope    profile.Scope
	depth    uint32

	// insertMu serializes inserts of new children of this node only;
	// lookups never take it (§5: "protected by per-parent fine-grained
	// locks only during insert; lookup is wait-free on a concurrent hash
	// set keyed by (relation, scope)").
	insertMu sync.Mutex
	children sync.Map // profile.ChildKey -> profile.ContextID
}

// Tree is the global CCT: a growable arena of nodes addressed by
// profile.ContextID, with a unique root of scope global (§3).
type Tree struct {
	mu    sync.RWMutex
	nodes []*node

	finalized bool
	finalIDs  []profile.ContextID // arena index -> assigned identifier, set by Finalize
}

// NewTree returns a Tree containing only its root Context.
func NewTree() *Tree {
	t := &Tree{}
	t.nodes = append(t.nodes, &node{
		parent:   profile.RootContextID,
		relation: profile.RelationSubscope,
		scope:    profile.GlobalScope(),
		depth:    0,
	})
	return t
}

// Insert returns the unique child of parent reached via (relation, scope),
// creating it if this is the first such request. At-most-one Context per
// (parent, relation, scope) triple is guaranteed across all concurrent
// callers (§4.2).
func (t *Tree) Insert(parent profile.ContextID, relation profile.Relation, scope profile.Scope) (profile.ContextID, error) {
	parentNode, err := t.nodeAt(parent)
	if err != nil {
		return 0, err
	}

	key := profile.ChildKey{Relation: relation, Scope: scope}
	if v, ok := parentNode.children.Load(key); ok {
		return v.(profile.ContextID), nil
	}

	parentNode.insertMu.Lock()
	defer parentNode.insertMu.Unlock()
	if v, ok := parentNode.children.Load(key); ok {
		return v.(profile.ContextID), nil
	}

	id := t.appendNode(parent, relation, scope, parentNode.depth+1)
	parentNode.children.Store(key, id)
	return id, nil
}

func (t *Tree) appendNode(parent profile.ContextID, relation profile.Relation, scope profile.Scope, depth uint32) profile.ContextID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := profile.ContextID(len(t.nodes))
	t.nodes = append(t.nodes, &node{parent: parent, relation: relation, scope: scope, depth: depth})
	return id
}

func (t *Tree) nodeAt(id profile.ContextID) (*node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.nodes) {
		return nil, profile.NewError(profile.Invariant, "cct", fmt.Errorf("context id %d out of range (arena size %d)", id, len(t.nodes)))
	}
	return t.nodes[id], nil
}

// Len returns the current number of Contexts in the arena, including the
// root. Meaningful before and after Finalize.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Get returns a snapshot of the Context at id, addressed by its pre-Finalize
// arena index. After Finalize, callers should prefer FinalID to translate.
func (t *Tree) Get(id profile.ContextID) (profile.Context, error) {
	n, err := t.nodeAt(id)
	if err != nil {
		return profile.Context{}, err
	}
	return profile.Context{ID: id, Parent: n.parent, Relation: n.relation, Scope: n.scope, Depth: n.depth}, nil
}

// FinalID returns the finalized identifier for an arena-indexed Context.
// Must only be called after Finalize.
func (t *Tree) FinalID(id profile.ContextID) (profile.ContextID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.finalized {
		return 0, profile.NewError(profile.Invariant, "cct", fmt.Errorf("FinalID called before Finalize"))
	}
	if int(id) >= len(t.finalIDs) {
		return 0, profile.NewError(profile.Invariant, "cct", fmt.Errorf("context id %d out of range", id))
	}
	return t.finalIDs[id], nil
}

// Finalize assigns the stable, dense identifier range [0,N) to every
// Context currently in the arena. All Contexts of depth d receive
// contiguous identifiers before any at depth d+1; ordering within a depth
// is a deterministic function of the parent's final identifier and the
// child's sort key — scope kind first, then scope payload in canonical
// byte order (§4.2). Call it after all sources have stopped inserting
// (the pipeline's `contexts` wavefront); later calls assign nothing new and
// return the mapping computed by the first call.
//
// Returns the arena-index -> final-id mapping (also retrievable one at a
// time via FinalID).
func (t *Tree) Finalize() ([]profile.ContextID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return t.finalIDs, nil
	}

	n := len(t.nodes)
	maxDepth := uint32(0)
	for _, nd := range t.nodes {
		if nd.depth > maxDepth {
			maxDepth = nd.depth
		}
	}

	byDepth := make([][]profile.ContextID, maxDepth+1)
	for i, nd := range t.nodes {
		byDepth[nd.depth] = append(byDepth[nd.depth], profile.ContextID(i))
	}

	finalIDs := make([]profile.ContextID, n)
	next := profile.ContextID(0)
	for depth := uint32(0); depth <= maxDepth; depth++ {
		ids := byDepth[depth]
		sort.Slice(ids, func(a, b int) bool {
			na, nb := t.nodes[ids[a]], t.nodes[ids[b]]
			if na.parent != nb.parent {
				pa, pb := finalIDs[na.parent], finalIDs[nb.parent]
				if pa != pb {
					return pa < pb
				}
			}
			return bytes.Compare(childSortKey(na), childSortKey(nb)) < 0
		})
		for _, id := range ids {
			finalIDs[id] = next
			next++
		}
	}

	t.finalIDs = finalIDs
	t.finalized = true
	return finalIDs, nil
}

func childSortKey(n *node) []byte {
	key := make([]byte, 0, 26)
	key = append(key, n.scope.SortKey()...)
	key = append(key, byte(n.relation))
	return key
}

// Range calls f for every Context currently in the arena, in arena
// (insertion) order. f must not call back into t.
func (t *Tree) Range(f func(profile.Context) bool) {
	t.mu.RLock()
	nodes := make([]*node, len(t.nodes))
	copy(nodes, t.nodes)
	t.mu.RUnlock()

	for i, n := range nodes {
		ctx := profile.Context{ID: profile.ContextID(i), Parent: n.parent, Relation: n.relation, Scope: n.scope, Depth: n.depth}
		if !f(ctx) {
			return
		}
	}
}
