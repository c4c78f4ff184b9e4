package domain

// VectorClock maps a node id to the number of events that node has stamped.
// Methods never mutate the receiver; each returns a fresh clock.
type VectorClock map[string]uint64

type Ordering int

const (
	OrderingEqual Ordering = iota
	OrderingBefore
	OrderingAfter
	OrderingConcurrent
)

func (o Ordering) String() string {
	switch o {
	case OrderingEqual:
		return "equal"
	case OrderingBefore:
		return "before"
	case OrderingAfter:
		return "after"
	default:
		return "concurrent"
	}
}

func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for node, counter := range vc {
		out[node] = counter
	}
	return out
}

// Increment returns a copy of vc with node's own counter advanced by one.
func (vc VectorClock) Increment(node string) VectorClock {
	out := vc.Clone()
	out[node]++
	return out
}

// Merge returns the pointwise maximum of vc and other.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for node, counter := range other {
		if counter > out[node] {
			out[node] = counter
		}
	}
	return out
}

// Compare reports how vc relates to other under the pointwise partial order.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	var less, greater bool

	for node, counter := range vc {
		switch theirs := other[node]; {
		case counter < theirs:
			less = true
		case counter > theirs:
			greater = true
		}
	}
	for node, theirs := range other {
		if _, seen := vc[node]; !seen && theirs > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return OrderingConcurrent
	case less:
		return OrderingBefore
	case greater:
		return OrderingAfter
	default:
		return OrderingEqual
	}
}

// Dominates reports whether every counter in vc is at least the matching counter in other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	ord := vc.Compare(other)
	return ord == OrderingEqual || ord == OrderingAfter
}

func (vc VectorClock) Concurrent(other VectorClock) bool {
	return vc.Compare(other) == OrderingConcurrent
}
