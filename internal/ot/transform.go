package ot

// TieBreak resolves which side's insert is ordered first when two bundles
// insert at the same position concurrently.
type TieBreak uint8

const (
	TieLeft TieBreak = iota
	TieRight
)

// Transform is the central OT contract: given two bundles a and b that both
// apply to the same base text, it returns (a', b') such that
// Apply(Apply(t, a), b') == Apply(Apply(t, b), a') for any valid t.
// tieBreak resolves concurrent inserts at the same position: TieLeft orders
// a's insert first, TieRight orders b's insert first.
func Transform(a, b *Bundle, tieBreak TieBreak) (*Bundle, *Bundle, error) {
	if a.BaseLen() != b.BaseLen() {
		return nil, nil, ErrInvalidOperation
	}

	aPrime := New()
	bPrime := New()

	ai := newOpIter(a.Ops)
	bi := newOpIter(b.Ops)

	for !ai.done() || !bi.done() {
		// Insert from a: goes straight into a' (as an insert) and retains
		// in b' (advance past it), unless b also has a leading insert and
		// tieBreak says b goes first.
		aIsIns, _ := ai.peekKind()
		bIsIns, _ := bi.peekKind()

		if !ai.done() && aIsIns == KindInsert && !bi.done() && bIsIns == KindInsert {
			// Concurrent inserts at the same position.
			if tieBreak == TieLeft {
				text := ai.takeInsert()
				aPrime.Ins(text)
				bPrime.Ret(insertLen(text))
				continue
			}
			text := bi.takeInsert()
			bPrime.Ins(text)
			aPrime.Ret(insertLen(text))
			continue
		}
		if !ai.done() && aIsIns == KindInsert {
			text := ai.takeInsert()
			aPrime.Ins(text)
			bPrime.Ret(insertLen(text))
			continue
		}
		if !bi.done() && bIsIns == KindInsert {
			text := bi.takeInsert()
			bPrime.Ins(text)
			aPrime.Ret(insertLen(text))
			continue
		}

		if ai.done() || bi.done() {
			if ai.done() && bi.done() {
				break
			}
			return nil, nil, ErrInvalidOperation
		}

		aKind, _ := ai.peekKind()
		bKind, _ := bi.peekKind()

		switch {
		case aKind == KindRetain && bKind == KindRetain:
			n := min(ai.rem, bi.rem)
			ai.takeRetainOrDelete(n)
			bi.takeRetainOrDelete(n)
			aPrime.Ret(n)
			bPrime.Ret(n)
		case aKind == KindDelete && bKind == KindDelete:
			n := min(ai.rem, bi.rem)
			ai.takeRetainOrDelete(n)
			bi.takeRetainOrDelete(n)
			// both deleted the same range; neither needs to delete again
		case aKind == KindDelete && bKind == KindRetain:
			n := min(ai.rem, bi.rem)
			ai.takeRetainOrDelete(n)
			bi.takeRetainOrDelete(n)
			aPrime.Del(n)
		case aKind == KindRetain && bKind == KindDelete:
			n := min(ai.rem, bi.rem)
			ai.takeRetainOrDelete(n)
			bi.takeRetainOrDelete(n)
			bPrime.Del(n)
		default:
			return nil, nil, ErrInvalidOperation
		}
	}

	aPrime.Normalize()
	bPrime.Normalize()
	return aPrime, bPrime, nil
}
