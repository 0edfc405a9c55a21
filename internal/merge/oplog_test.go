package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func update(t *testing.T, ops ...Op) []byte {
	t.Helper()
	b, err := NewUpdate(ops...)
	require.NoError(t, err)
	return b
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := append([]int{}, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

// TestApplyCommutes applies every permutation of a fixed update set and checks
// that all replicas end up byte-identical.
func TestApplyCommutes(t *testing.T) {
	updates := [][]byte{
		update(t, Op{Client: "a", Seq: 1, Data: []byte("h")}),
		update(t, Op{Client: "a", Seq: 2, Data: []byte("i")}, Op{Client: "b", Seq: 1, Data: []byte("!")}),
		update(t, Op{Client: "c", Seq: 1, Data: []byte("x")}),
		update(t, Op{Client: "c", Seq: 1, Data: []byte("y")}),
	}

	var want []byte
	for _, perm := range permutations(len(updates)) {
		doc := OpLog{}.New()
		for _, i := range perm {
			_, err := doc.Apply(updates[i])
			require.NoError(t, err)
		}
		got, err := doc.Diff(nil)
		require.NoError(t, err)
		if want == nil {
			want = got
			continue
		}
		assert.Equal(t, want, got, "permutation %v diverged", perm)
	}
}

func TestApplyIdempotent(t *testing.T) {
	doc := NewLog()
	u := update(t, Op{Client: "a", Seq: 1, Data: []byte("h")}, Op{Client: "a", Seq: 2, Data: []byte("i")})

	changed, err := doc.Apply(u)
	require.NoError(t, err)
	assert.True(t, changed)
	before := doc.Digest()

	changed, err = doc.Apply(u)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, before, doc.Digest())
	assert.Equal(t, 2, doc.Len())
}

func TestConflictingDataResolvesDeterministically(t *testing.T) {
	x := update(t, Op{Client: "c", Seq: 1, Data: []byte("x")})
	y := update(t, Op{Client: "c", Seq: 1, Data: []byte("y")})

	one, two := NewLog(), NewLog()
	_, _ = one.Apply(x)
	_, _ = one.Apply(y)
	_, _ = two.Apply(y)
	_, _ = two.Apply(x)

	assert.Equal(t, one.Digest(), two.Digest())
	assert.Equal(t, 1, one.Len())
}

func TestDiffSinceVector(t *testing.T) {
	full := NewLog()
	_, err := full.Apply(update(t,
		Op{Client: "a", Seq: 1, Data: []byte("1")},
		Op{Client: "a", Seq: 2, Data: []byte("2")},
		Op{Client: "b", Seq: 1, Data: []byte("3")},
	))
	require.NoError(t, err)

	partial := NewLog()
	_, err = partial.Apply(update(t, Op{Client: "a", Seq: 1, Data: []byte("1")}))
	require.NoError(t, err)

	diff, err := full.Diff(partial.Vector())
	require.NoError(t, err)
	ops, err := DecodeUpdate(diff)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, OpID{Client: "a", Seq: 2}, ops[0].ID())
	assert.Equal(t, OpID{Client: "b", Seq: 1}, ops[1].ID())

	_, err = partial.Apply(diff)
	require.NoError(t, err)
	assert.Equal(t, full.Digest(), partial.Digest())
}

func TestVectorTracksContiguousSequences(t *testing.T) {
	doc := NewLog()
	_, err := doc.Apply(update(t,
		Op{Client: "a", Seq: 1},
		Op{Client: "a", Seq: 3},
	))
	require.NoError(t, err)

	v, err := DecodeVector(doc.Vector())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v["a"])
	assert.Equal(t, uint64(4), doc.Next("a"))

	_, err = doc.Apply(update(t, Op{Client: "a", Seq: 2}))
	require.NoError(t, err)
	v, err = DecodeVector(doc.Vector())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v["a"])
}

func TestApplyRejectsInvalidUpdates(t *testing.T) {
	doc := NewLog()

	_, err := doc.Apply([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, ErrInvalidUpdate)

	_, err = doc.Apply(update(t, Op{Client: "", Seq: 1}))
	assert.ErrorIs(t, err, ErrInvalidUpdate)

	_, err = doc.Apply(update(t, Op{Client: "a", Seq: 0}))
	assert.ErrorIs(t, err, ErrInvalidUpdate)

	assert.Equal(t, 0, doc.Len())
}

func TestEmptyDocDiffRoundTrips(t *testing.T) {
	empty := NewLog()
	full, err := empty.Diff(nil)
	require.NoError(t, err)

	other := NewLog()
	changed, err := other.Apply(full)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, empty.Digest(), other.Digest())
}
