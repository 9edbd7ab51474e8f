package ot

import "unicode/utf16"

// opIter walks a Bundle's ops one logical unit at a time, letting the
// caller take partial chunks of a retain/delete/insert without having to
// pre-split the underlying slice. This mirrors the classic ot.js
// make_iterator/next helper used by every retain-insert-delete engine.
type opIter struct {
	ops []TextOp
	idx int
	// remaining count within ops[idx] for retain/delete; an insert is taken
	// whole by takeInsert or split by takeInsertPrefix, which leaves the
	// untaken suffix as ops[idx].Text.
	rem int
}

func newOpIter(ops []TextOp) *opIter {
	it := &opIter{ops: ops}
	it.reset()
	return it
}

func (it *opIter) reset() {
	it.idx = 0
	if len(it.ops) > 0 {
		it.rem = it.ops[0].N
	}
}

func (it *opIter) done() bool { return it.idx >= len(it.ops) }

func (it *opIter) peekKind() (Kind, bool) {
	if it.done() {
		return 0, false
	}
	return it.ops[it.idx].Kind, true
}

// takeRetainOrDelete returns up to n units of the current retain/delete op
// (it must be one of those kinds), advancing the iterator.
func (it *opIter) takeRetainOrDelete(n int) int {
	if it.rem < n {
		n = it.rem
	}
	it.rem -= n
	if it.rem == 0 {
		it.advance()
	}
	return n
}

// takeInsert returns the full text of the current insert op and advances.
func (it *opIter) takeInsert() string {
	s := it.ops[it.idx].Text
	it.advance()
	return s
}

func (it *opIter) advance() {
	it.idx++
	if it.idx < len(it.ops) && (it.ops[it.idx].Kind == KindRetain || it.ops[it.idx].Kind == KindDelete) {
		it.rem = it.ops[it.idx].N
	}
}

// Compose produces a single Bundle whose effect equals applying b then
// other. Precondition: b.TargetLen() == other.BaseLen().
func (b *Bundle) Compose(other *Bundle) (*Bundle, error) {
	if b.TargetLen() != other.BaseLen() {
		return nil, ErrInvalidOperation
	}

	result := New()
	a := newOpIter(b.Ops)
	o := newOpIter(other.Ops)

	for !a.done() || !o.done() {
		// Leading inserts from `other` pass straight through.
		if k, ok := o.peekKind(); ok && k == KindInsert {
			result.Ins(o.takeInsert())
			continue
		}
		// Leading deletes from `b` pass straight through.
		if k, ok := a.peekKind(); ok && k == KindDelete {
			result.Del(a.takeRetainOrDelete(a.rem))
			continue
		}

		if a.done() || o.done() {
			return nil, ErrInvalidOperation
		}

		aKind, _ := a.peekKind()
		oKind, _ := o.peekKind()

		switch {
		case aKind == KindRetain && oKind == KindRetain:
			n := min(a.rem, o.rem)
			a.takeRetainOrDelete(n)
			o.takeRetainOrDelete(n)
			result.Ret(n)
		case aKind == KindInsert && oKind == KindRetain:
			n := min(insertLen(a.ops[a.idx].Text), o.rem)
			taken := takeInsertPrefix(a, n)
			o.takeRetainOrDelete(n)
			result.Ins(taken)
		case aKind == KindInsert && oKind == KindDelete:
			n := min(insertLen(a.ops[a.idx].Text), o.rem)
			takeInsertPrefix(a, n)
			o.takeRetainOrDelete(n)
			// insert then immediate delete cancels out
		case aKind == KindRetain && oKind == KindDelete:
			n := min(a.rem, o.rem)
			a.takeRetainOrDelete(n)
			o.takeRetainOrDelete(n)
			result.Del(n)
		default:
			return nil, ErrInvalidOperation
		}
	}

	result.Normalize()
	return result, nil
}

// takeInsertPrefix consumes n UTF-16 code units from the current insert op
// (splitting it if n is smaller than its full length) and returns them.
func takeInsertPrefix(it *opIter, n int) string {
	units := utf16.Encode([]rune(it.ops[it.idx].Text))
	if n >= len(units) {
		s := it.ops[it.idx].Text
		it.advance()
		return s
	}
	taken := string(utf16.Decode(units[:n]))
	it.ops[it.idx].Text = string(utf16.Decode(units[n:]))
	return taken
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
