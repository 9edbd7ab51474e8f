package ot

import "unicode/utf16"

// Diff returns a Bundle that turns old into new. It is not required to be
// minimal, only deterministic and correct: Apply(old, Diff(old, new)) ==
// new. The strategy is the common-prefix/common-suffix trim with the
// differing middle encoded as a single delete+insert.
func Diff(old, new string) *Bundle {
	oldU := utf16.Encode([]rune(old))
	newU := utf16.Encode([]rune(new))

	prefix := 0
	max := len(oldU)
	if len(newU) < max {
		max = len(newU)
	}
	for prefix < max && oldU[prefix] == newU[prefix] {
		prefix++
	}

	suffix := 0
	max = len(oldU) - prefix
	if len(newU)-prefix < max {
		max = len(newU) - prefix
	}
	for suffix < max && oldU[len(oldU)-1-suffix] == newU[len(newU)-1-suffix] {
		suffix++
	}

	b := New()
	b.Ret(prefix)
	if n := len(oldU) - prefix - suffix; n > 0 {
		b.Del(n)
	}
	if mid := newU[prefix : len(newU)-suffix]; len(mid) > 0 {
		b.Ins(string(utf16.Decode(mid)))
	}
	b.Ret(suffix)
	b.Normalize()
	return b
}
