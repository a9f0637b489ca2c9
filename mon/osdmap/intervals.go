package osdmap

// Interval is the half open snapshot id range [Start, End).
type Interval struct {
	Start SnapID `json:"start"`
	End   SnapID `json:"end"`
}

// SnapIntervalSet is a sorted list of disjoint, non adjacent intervals.
// All operations return a new set.
type SnapIntervalSet []Interval

func (s SnapIntervalSet) Empty() bool { return len(s) == 0 }

func (s SnapIntervalSet) Clone() SnapIntervalSet {
	if s == nil {
		return nil
	}
	return append(SnapIntervalSet(nil), s...)
}

func (s SnapIntervalSet) Size() uint64 {
	var n uint64
	for _, iv := range s {
		n += uint64(iv.End - iv.Start)
	}
	return n
}

func (s SnapIntervalSet) Contains(id SnapID) bool {
	_, ok := s.Find(id)
	return ok
}

// Find returns the interval holding id.
func (s SnapIntervalSet) Find(id SnapID) (Interval, bool) {
	lo, hi := 0, len(s)
	for lo < hi {
		mid := (lo + hi) / 2
		if s[mid].End <= id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(s) && s[lo].Start <= id {
		return s[lo], true
	}
	return Interval{}, false
}

func (s SnapIntervalSet) Insert(start, end SnapID) SnapIntervalSet {
	if start >= end {
		return s.Clone()
	}
	out := make(SnapIntervalSet, 0, len(s)+1)
	i := 0
	for ; i < len(s) && s[i].End < start; i++ {
		out = append(out, s[i])
	}
	for ; i < len(s) && s[i].Start <= end; i++ {
		if s[i].Start < start {
			start = s[i].Start
		}
		if s[i].End > end {
			end = s[i].End
		}
	}
	out = append(out, Interval{Start: start, End: end})
	return append(out, s[i:]...)
}

func (s SnapIntervalSet) Union(o SnapIntervalSet) SnapIntervalSet {
	out := s.Clone()
	for _, iv := range o {
		out = out.Insert(iv.Start, iv.End)
	}
	return out
}

func (s SnapIntervalSet) Subtract(o SnapIntervalSet) SnapIntervalSet {
	var out SnapIntervalSet
	j := 0
	for _, a := range s {
		start := a.Start
		for j < len(o) && o[j].End <= start {
			j++
		}
		for k := j; k < len(o) && o[k].Start < a.End; k++ {
			if o[k].Start > start {
				out = append(out, Interval{Start: start, End: o[k].Start})
			}
			if o[k].End > start {
				start = o[k].End
			}
		}
		if start < a.End {
			out = append(out, Interval{Start: start, End: a.End})
		}
	}
	return out
}

func (s SnapIntervalSet) Intersect(o SnapIntervalSet) SnapIntervalSet {
	return s.Subtract(s.Subtract(o))
}

// Truncate keeps at most n snapshot ids, lowest first.
func (s SnapIntervalSet) Truncate(n uint64) SnapIntervalSet {
	var out SnapIntervalSet
	for _, iv := range s {
		if n == 0 {
			break
		}
		l := uint64(iv.End - iv.Start)
		if l > n {
			l = n
		}
		out = append(out, Interval{Start: iv.Start, End: iv.Start + SnapID(l)})
		n -= l
	}
	return out
}
