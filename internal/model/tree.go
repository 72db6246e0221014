package model

import "github.com/memtrail/memtrail/internal/event"

// TreeNode is one node of the aggregation trie built by TreeBySource. The
// children map is keyed by the child's FrameID.
type TreeNode struct {
	Frame    FrameID
	Children map[FrameID]*TreeNode

	// TotalSize and TotalCount aggregate every allocation whose backtrace
	// passes through this node.
	TotalSize  uint64
	TotalCount uint64

	FirstTimestamp event.Timestamp
	LastTimestamp  event.Timestamp
}

// Tree is the root of an aggregation trie. The root itself carries the
// grand totals and has no frame.
type Tree struct {
	Root *TreeNode
}

// TreeBySource aggregates the allocations accepted by predicate into a trie
// keyed by frame sequence, outermost frame first, so that common call-path
// prefixes share nodes. A nil predicate accepts everything.
func (d *Data) TreeBySource(predicate func(AllocationID, *Allocation) bool) *Tree {
	root := &TreeNode{Children: make(map[FrameID]*TreeNode)}
	for i := range d.allocations {
		id := AllocationID(i)
		a := &d.allocations[i]
		if predicate != nil && !predicate(id, a) {
			continue
		}
		frames := d.BacktraceFrames(a.Backtrace)

		node := root
		node.accumulate(a)
		// Walk outermost-first: the stored sequence is leaf-first.
		for j := len(frames) - 1; j >= 0; j-- {
			frameID := frames[j]
			child := node.Children[frameID]
			if child == nil {
				child = &TreeNode{Frame: frameID, Children: make(map[FrameID]*TreeNode)}
				node.Children[frameID] = child
			}
			child.accumulate(a)
			node = child
		}
	}
	return &Tree{Root: root}
}

func (n *TreeNode) accumulate(a *Allocation) {
	if n.TotalCount == 0 || a.Timestamp < n.FirstTimestamp {
		n.FirstTimestamp = a.Timestamp
	}
	if a.Timestamp > n.LastTimestamp {
		n.LastTimestamp = a.Timestamp
	}
	n.TotalSize += a.Size
	n.TotalCount++
}
