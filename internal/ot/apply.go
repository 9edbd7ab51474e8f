package ot

import "unicode/utf16"

// Apply consumes text left-to-right according to b's ops, returning the
// resulting text. text and the result are treated as UTF-16 code unit
// sequences (matching editor cursor semantics); the Go string in/out is
// UTF-8, converted at the boundary.
func (b *Bundle) Apply(text string) (string, error) {
	units := utf16.Encode([]rune(text))
	if b.BaseLen() != len(units) {
		return "", ErrInvalidOperation
	}

	out := make([]uint16, 0, b.TargetLen())
	pos := 0
	for _, op := range b.Ops {
		switch op.Kind {
		case KindRetain:
			end := pos + op.N
			if end > len(units) {
				return "", ErrInvalidOperation
			}
			out = append(out, units[pos:end]...)
			pos = end
		case KindInsert:
			out = append(out, utf16.Encode([]rune(op.Text))...)
		case KindDelete:
			end := pos + op.N
			if end > len(units) {
				return "", ErrInvalidOperation
			}
			pos = end
		}
	}
	if pos != len(units) {
		return "", ErrInvalidOperation
	}
	return string(utf16.Decode(out)), nil
}
