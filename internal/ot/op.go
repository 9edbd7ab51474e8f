// Package ot implements the operational-transformation engine used to
// linearize concurrent text edits: a sequence of retain/insert/delete
// operations over UTF-16 code units, the algebra to apply, compose and
// transform them, and the cursor and diff helpers the document coordinator
// needs on top.
package ot

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf16"
)

// ErrInvalidOperation is returned whenever a Bundle's base length does not
// match the text it is applied to or composed against.
var ErrInvalidOperation = errors.New("ot: invalid operation")

// Kind identifies which of the three tags a TextOp carries.
type Kind uint8

const (
	KindRetain Kind = iota
	KindInsert
	KindDelete
)

// TextOp is a single element of a Bundle. Exactly one of the fields is
// meaningful depending on Kind: N for retain/delete, Text for insert.
type TextOp struct {
	Kind Kind
	N    int    // retain/delete count, in UTF-16 code units
	Text string // insert payload
}

func Retain(n int) TextOp { return TextOp{Kind: KindRetain, N: n} }
func Insert(s string) TextOp { return TextOp{Kind: KindInsert, Text: s} }
func Delete(n int) TextOp { return TextOp{Kind: KindDelete, N: n} }

// insertLen returns the UTF-16 length of an insert's text.
func insertLen(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// Len returns the length of s in UTF-16 code units, the unit Bundle
// positions and lengths are measured in.
func Len(s string) int {
	return insertLen(s)
}

// Bundle is a non-empty, normalized sequence of TextOps describing a single
// transformation of a document's content.
type Bundle struct {
	Ops []TextOp `json:"ops"`
}

// New returns an empty Bundle ready to be built with Ret/Ins/Del.
func New() *Bundle {
	return &Bundle{Ops: make([]TextOp, 0, 4)}
}

// FromOps builds a normalized Bundle from raw ops, e.g. deserialized off the
// wire. It never trusts the caller to have normalized already.
func FromOps(ops []TextOp) *Bundle {
	b := &Bundle{Ops: ops}
	b.Normalize()
	return b
}

// Ret appends a retain, merging into a trailing retain if present.
func (b *Bundle) Ret(n int) *Bundle {
	if n <= 0 {
		return b
	}
	if l := len(b.Ops); l > 0 && b.Ops[l-1].Kind == KindRetain {
		b.Ops[l-1].N += n
		return b
	}
	b.Ops = append(b.Ops, Retain(n))
	return b
}

// Ins appends an insert, merging into a trailing insert if present.
// Per OT convention inserts are ordered before a trailing delete at the
// same position, so Ins always inserts before the last op if that op is a
// delete (keeps the canonical normalized form insert-before-delete).
func (b *Bundle) Ins(s string) *Bundle {
	if s == "" {
		return b
	}
	l := len(b.Ops)
	if l > 0 && b.Ops[l-1].Kind == KindInsert {
		b.Ops[l-1].Text += s
		return b
	}
	if l > 0 && b.Ops[l-1].Kind == KindDelete {
		// keep insert before delete
		if l > 1 && b.Ops[l-2].Kind == KindInsert {
			b.Ops[l-2].Text += s
			return b
		}
		del := b.Ops[l-1]
		b.Ops[l-1] = Insert(s)
		b.Ops = append(b.Ops, del)
		return b
	}
	b.Ops = append(b.Ops, Insert(s))
	return b
}

// Del appends a delete, merging into a trailing delete if present.
func (b *Bundle) Del(n int) *Bundle {
	if n <= 0 {
		return b
	}
	if l := len(b.Ops); l > 0 && b.Ops[l-1].Kind == KindDelete {
		b.Ops[l-1].N += n
		return b
	}
	b.Ops = append(b.Ops, Delete(n))
	return b
}

// BaseLen is the length of text this Bundle expects to be applied to.
func (b *Bundle) BaseLen() int {
	n := 0
	for _, op := range b.Ops {
		switch op.Kind {
		case KindRetain, KindDelete:
			n += op.N
		}
	}
	return n
}

// TargetLen is the length of text this Bundle produces.
func (b *Bundle) TargetLen() int {
	n := 0
	for _, op := range b.Ops {
		switch op.Kind {
		case KindRetain:
			n += op.N
		case KindInsert:
			n += insertLen(op.Text)
		}
	}
	return n
}

// IsNoop reports whether applying this Bundle changes nothing at all.
func (b *Bundle) IsNoop() bool {
	for _, op := range b.Ops {
		if op.Kind != KindRetain {
			return false
		}
	}
	return true
}

// Normalize collapses consecutive ops of the same kind and drops
// zero-length retain/delete and empty inserts. It also canonicalizes
// insert-before-delete ordering at any position where both occur.
func (b *Bundle) Normalize() {
	out := make([]TextOp, 0, len(b.Ops))
	var pendingIns, pendingDel *TextOp

	flush := func() {
		if pendingIns != nil && pendingIns.Text != "" {
			out = append(out, *pendingIns)
		}
		if pendingDel != nil && pendingDel.N > 0 {
			out = append(out, *pendingDel)
		}
		pendingIns, pendingDel = nil, nil
	}

	for _, op := range b.Ops {
		switch op.Kind {
		case KindRetain:
			if op.N <= 0 {
				continue
			}
			flush()
			if l := len(out); l > 0 && out[l-1].Kind == KindRetain {
				out[l-1].N += op.N
			} else {
				out = append(out, Retain(op.N))
			}
		case KindInsert:
			if op.Text == "" {
				continue
			}
			if pendingIns == nil {
				pendingIns = &TextOp{Kind: KindInsert}
			}
			pendingIns.Text += op.Text
		case KindDelete:
			if op.N <= 0 {
				continue
			}
			if pendingDel == nil {
				pendingDel = &TextOp{Kind: KindDelete}
			}
			pendingDel.N += op.N
		}
	}
	flush()
	b.Ops = out
}

// Validate reports whether this Bundle can be applied to text of length L
// (measured in UTF-16 code units). O(len(ops)).
func (b *Bundle) Validate(l int) bool {
	return b.BaseLen() == l
}

// Clone deep-copies a Bundle.
func (b *Bundle) Clone() *Bundle {
	ops := make([]TextOp, len(b.Ops))
	copy(ops, b.Ops)
	return &Bundle{Ops: ops}
}

func (b *Bundle) MarshalJSON() ([]byte, error) {
	type wire struct {
		Ops []TextOp `json:"ops"`
	}
	return json.Marshal(wire{Ops: b.Ops})
}

func (b *Bundle) UnmarshalJSON(data []byte) error {
	type wire struct {
		Ops []TextOp `json:"ops"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	b.Ops = w.Ops
	b.Normalize()
	return nil
}

// MarshalJSON renders a TextOp the way an editor-side OT library expects:
// a bare integer for retain (positive) or delete (negative), and a bare
// string for insert. This mirrors the rustpad/kolabpad wire format.
func (op TextOp) MarshalJSON() ([]byte, error) {
	switch op.Kind {
	case KindRetain:
		return json.Marshal(op.N)
	case KindDelete:
		return json.Marshal(-op.N)
	case KindInsert:
		return json.Marshal(op.Text)
	}
	return nil, fmt.Errorf("ot: unknown op kind %d", op.Kind)
}

func (op *TextOp) UnmarshalJSON(data []byte) error {
	var asInt int64
	if err := json.Unmarshal(data, &asInt); err == nil {
		if asInt >= 0 {
			*op = Retain(int(asInt))
		} else {
			*op = Delete(int(-asInt))
		}
		return nil
	}
	var asStr string
	if err := json.Unmarshal(data, &asStr); err == nil {
		*op = Insert(asStr)
		return nil
	}
	return fmt.Errorf("ot: op must be an integer or a string, got %s", data)
}
