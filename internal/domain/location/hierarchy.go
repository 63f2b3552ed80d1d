package location

import (
	"github.com/google/uuid"
)

// Forest is an immutable view of the parent/child links between locations.
type Forest struct {
	parent   map[uuid.UUID]uuid.UUID
	children map[uuid.UUID][]uuid.UUID
	nodes    map[uuid.UUID]struct{}
}

// NewForest indexes the hierarchy links of locs. Links to ids outside locs
// are ignored.
func NewForest(locs []*Location) *Forest {
	f := &Forest{
		parent:   make(map[uuid.UUID]uuid.UUID, len(locs)),
		children: make(map[uuid.UUID][]uuid.UUID),
		nodes:    make(map[uuid.UUID]struct{}, len(locs)),
	}
	for _, l := range locs {
		f.nodes[l.ID] = struct{}{}
	}
	for _, l := range locs {
		if l.ParentLocationID == nil {
			continue
		}
		p := *l.ParentLocationID
		if _, ok := f.nodes[p]; !ok {
			continue
		}
		f.parent[l.ID] = p
		f.children[p] = append(f.children[p], l.ID)
	}
	return f
}

// Contains reports whether id is part of the forest.
func (f *Forest) Contains(id uuid.UUID) bool {
	_, ok := f.nodes[id]
	return ok
}

// IsAncestor reports whether ancestor appears on the parent chain of id.
// The walk stops on a repeated node, so a corrupted store cannot loop it.
func (f *Forest) IsAncestor(ancestor, id uuid.UUID) bool {
	seen := map[uuid.UUID]struct{}{id: {}}
	cur := id
	for {
		p, ok := f.parent[cur]
		if !ok {
			return false
		}
		if p == ancestor {
			return true
		}
		if _, loop := seen[p]; loop {
			return false
		}
		seen[p] = struct{}{}
		cur = p
	}
}

// WouldCycle reports whether making newParent the parent of id would close a
// cycle, i.e. newParent is id itself or one of its descendants.
func (f *Forest) WouldCycle(id, newParent uuid.UUID) bool {
	return id == newParent || f.IsAncestor(id, newParent)
}

// HopDistances returns the number of parent/child hops from origin to every
// location in the same tree. Locations in other trees are absent.
func (f *Forest) HopDistances(origin uuid.UUID) map[uuid.UUID]int {
	dist := map[uuid.UUID]int{origin: 0}
	if !f.Contains(origin) {
		return dist
	}
	queue := []uuid.UUID{origin}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		neighbours := f.children[cur]
		if p, ok := f.parent[cur]; ok {
			neighbours = append([]uuid.UUID{p}, neighbours...)
		}
		for _, n := range neighbours {
			if _, visited := dist[n]; visited {
				continue
			}
			dist[n] = dist[cur] + 1
			queue = append(queue, n)
		}
	}
	return dist
}

// HasChildren reports whether any location names id as its parent.
func (f *Forest) HasChildren(id uuid.UUID) bool {
	return len(f.children[id]) > 0
}
