package store

// sliceIterator walks an in-memory result set.
type sliceIterator struct {
	recs []*Record
	idx  int
}

// NewSliceIterator wraps already-materialized records in the Iterator
// contract, for adapters whose native queries return whole result sets.
func NewSliceIterator(recs []*Record) Iterator {
	return &sliceIterator{recs: recs}
}

func (it *sliceIterator) Next() bool {
	if it.idx >= len(it.recs) {
		return false
	}
	it.idx++
	return true
}

func (it *sliceIterator) Record() *Record {
	if it.idx == 0 || it.idx > len(it.recs) {
		return nil
	}
	return it.recs[it.idx-1]
}

func (it *sliceIterator) Err() error   { return nil }
func (it *sliceIterator) Close() error { return nil }
