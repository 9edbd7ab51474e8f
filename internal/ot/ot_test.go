package ot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, text string, b *Bundle) string {
	t.Helper()
	out, err := b.Apply(text)
	require.NoError(t, err)
	return out
}

func TestApplyBasics(t *testing.T) {
	b := New().Ret(1).Ins("X").Ret(1)
	out, err := b.Apply("AB")
	require.NoError(t, err)
	assert.Equal(t, "AXB", out)
}

func TestApplyRejectsBaseLengthMismatch(t *testing.T) {
	b := New().Ret(5)
	_, err := b.Apply("AB")
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestApplyRejectsDeleteCrossingEnd(t *testing.T) {
	b := &Bundle{Ops: []TextOp{Retain(1), Delete(5)}}
	_, err := b.Apply("AB")
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestNormalizeDropsNoops(t *testing.T) {
	b := &Bundle{Ops: []TextOp{Retain(0), Insert(""), Delete(0), Retain(2), Retain(3)}}
	b.Normalize()
	assert.Equal(t, []TextOp{Retain(5)}, b.Ops)
}

func TestNormalizeIdempotent(t *testing.T) {
	b := &Bundle{Ops: []TextOp{Retain(1), Retain(2), Insert("a"), Insert("b"), Delete(1), Delete(1)}}
	b.Normalize()
	once := append([]TextOp(nil), b.Ops...)
	b.Normalize()
	assert.Equal(t, once, b.Ops)
}

func TestEmptyBundleIsIdentity(t *testing.T) {
	b := New().Ret(3)
	out := apply(t, "abc", b)
	assert.Equal(t, "abc", out)
}

func TestComposeIdentity(t *testing.T) {
	a := New().Ret(1).Ins("X").Ret(1)
	id := New().Ret(a.TargetLen())
	composed, err := a.Compose(id)
	require.NoError(t, err)
	assert.Equal(t, a.Ops, composed.Ops)
}

func TestComposeMatchesSequentialApply(t *testing.T) {
	text := "hello world"
	a := New().Ret(5).Ins(",").Ret(6)
	b := New().Ret(6).Del(6).Ins("!")

	viaApply := apply(t, apply(t, text, a), b)

	c, err := a.Compose(b)
	require.NoError(t, err)
	viaCompose := apply(t, text, c)

	assert.Equal(t, viaApply, viaCompose)
}

func TestTransformConvergence_ConcurrentInsertsSamePosition(t *testing.T) {
	// scenario 1 from spec.md §8: "AB" -> X at pos1, Y at pos1, tie left.
	text := "AB"
	x := New().Ret(1).Ins("X").Ret(1)
	y := New().Ret(1).Ins("Y").Ret(1)

	xPrime, yPrime, err := Transform(x, y, TieLeft)
	require.NoError(t, err)

	left := apply(t, apply(t, text, x), yPrime)
	right := apply(t, apply(t, text, y), xPrime)
	assert.Equal(t, left, right)
	assert.Equal(t, "AXYB", left)
}

func TestTransformDeleteVsInsertOverlap(t *testing.T) {
	// scenario 2 from spec.md §8.
	text := "hello"
	x := New().Ret(2).Del(2).Ret(1) // -> "heo"
	y := New().Ret(3).Ins("XX").Ret(2)

	xPrime, yPrime, err := Transform(x, y, TieLeft)
	require.NoError(t, err)

	afterX := apply(t, text, x)
	assert.Equal(t, "heo", afterX)

	final := apply(t, afterX, yPrime)
	assert.Equal(t, "heXXo", final)

	alt := apply(t, apply(t, text, y), xPrime)
	assert.Equal(t, final, alt)
}

func TestTransformSymmetryInvertsTieOrder(t *testing.T) {
	text := "AB"
	x := New().Ret(1).Ins("X").Ret(1)
	y := New().Ret(1).Ins("Y").Ret(1)

	_, yPrimeLeft, err := Transform(x, y, TieLeft)
	require.NoError(t, err)
	leftResult := apply(t, apply(t, text, x), yPrimeLeft)

	_, yPrimeRight, err := Transform(x, y, TieRight)
	require.NoError(t, err)
	xPrimeRight, _, err := Transform(x, y, TieRight)
	require.NoError(t, err)
	rightResult := apply(t, apply(t, text, y), xPrimeRight)
	_ = yPrimeRight

	// Both converge, though to different content depending on tie order.
	assert.Equal(t, "AXYB", leftResult)
	assert.Equal(t, "AYXB", rightResult)
}

func TestDiffRoundTrips(t *testing.T) {
	cases := []struct{ old, new string }{
		{"", ""},
		{"abc", "abc"},
		{"abc", ""},
		{"", "abc"},
		{"hello world", "hello there world"},
		{"hello world", "hell"},
		{"café", "cafés"},
	}
	for _, c := range cases {
		d := Diff(c.old, c.new)
		out := apply(t, c.old, d)
		assert.Equal(t, c.new, out, "diff(%q,%q)", c.old, c.new)
	}
}

func TestValidateMatchesApplySuccess(t *testing.T) {
	b := New().Ret(2).Del(1)
	assert.True(t, b.Validate(3))
	_, err := b.Apply("abc")
	assert.NoError(t, err)

	assert.False(t, b.Validate(5))
	bad := New().Ret(5).Del(1)
	_, err = bad.Apply("abc")
	assert.Error(t, err)
}

func TestTransformCursor(t *testing.T) {
	ops := New().Ret(2).Ins("XX").Ret(3).Ops // "ABCDE" -> "ABXXCDE"

	// Position before the insert is unchanged.
	assert.Equal(t, 0, TransformCursor(0, ops, false))
	// Another participant's cursor exactly at the insert point shifts past it.
	assert.Equal(t, 4, TransformCursor(2, ops, false))
	// The author's own cursor at the same point does not (already moved by
	// the editor as they typed).
	assert.Equal(t, 2, TransformCursor(2, ops, true))
	// Position after the insert shifts by the inserted length either way.
	assert.Equal(t, 7, TransformCursor(5, ops, false))
	assert.Equal(t, 7, TransformCursor(5, ops, true))
}

func TestTransformCursorClampsIntoDeletedRange(t *testing.T) {
	ops := New().Ret(2).Del(3).Ret(0).Ops // delete [2,5)
	assert.Equal(t, 2, TransformCursor(3, ops, false))
	assert.Equal(t, 2, TransformCursor(4, ops, false))
	assert.Equal(t, 0, TransformCursor(0, ops, false))
	assert.Equal(t, 3, TransformCursor(6, ops, false)) // after: shifts back by delete count
}

func TestBundleJSONRoundTrip(t *testing.T) {
	b := New().Ret(2).Ins("hi").Del(3).Ret(2)
	data, err := json.Marshal(b)
	require.NoError(t, err)
	var decoded Bundle
	require.NoError(t, json.Unmarshal(data, &decoded))
	out, err := decoded.Apply("ab12345")
	require.NoError(t, err)
	assert.Equal(t, "abhi45", out)
}
