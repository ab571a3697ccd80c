package stackcode

// Region is a half-open byte interval [Start, End).
type Region struct {
	Start, End int
}

// Len returns the number of bytes the region spans.
func (r Region) Len() int {
	return r.End - r.Start
}

// Contains reports whether offset lies within the region.
func (r Region) Contains(offset int) bool {
	return offset >= r.Start && offset < r.End
}

// Union returns the minimal enclosing interval of r and other.
func (r Region) Union(other Region) Region {
	start := r.Start
	if other.Start < start {
		start = other.Start
	}
	end := r.End
	if other.End > end {
		end = other.End
	}
	return Region{Start: start, End: end}
}
