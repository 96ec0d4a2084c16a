package ploc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaist-cp/go-memento/pool"
)

// fakeThread is a minimal DirtyPrevious a test can drive directly, without
// pulling in the handle package.
type fakeThread struct {
	tid        int
	lastFailed *uint64
}

func (f *fakeThread) Tid() int                   { return f.tid }
func (f *fakeThread) LastFailedCas() *uint64     { return f.lastFailed }
func (f *fakeThread) SetLastFailedCas(p *uint64) { f.lastFailed = p }

func TestDCasSucceedsAndIsObservable(t *testing.T) {
	p := pool.Open()
	d := NewDCas[int](Null[int]())

	var n int = 7
	node := FromGo(&n)

	var mmt Cas[int]
	h := &fakeThread{tid: 1}

	result, ok := d.Cas(Null[int](), node, &mmt, h, p, false)
	require.True(t, ok)
	assert.Equal(t, node, stripTag(result))

	loaded := d.Load(p)
	assert.Equal(t, node, loaded)
	assert.Equal(t, 0, loaded.Tid(), "a plain Load must never surface a helper's tid")
}

func TestDCasFailsOnStaleOld(t *testing.T) {
	p := pool.Open()
	d := NewDCas[int](Null[int]())

	var a, b int = 1, 2
	first := FromGo(&a)
	second := FromGo(&b)

	var mmt1 Cas[int]
	h1 := &fakeThread{tid: 1}
	_, ok := d.Cas(Null[int](), first, &mmt1, h1, p, false)
	require.True(t, ok)

	var mmt2 Cas[int]
	h2 := &fakeThread{tid: 2}
	actual, ok := d.Cas(Null[int](), second, &mmt2, h2, p, false)

	assert.False(t, ok, "a CAS against a stale old value must fail")
	assert.Equal(t, first, stripTag(actual))
}

func TestDCasFailureMarksDirtyPrevious(t *testing.T) {
	p := pool.Open()
	d := NewDCas[int](Null[int]())

	var a, b int = 1, 2
	first := FromGo(&a)
	second := FromGo(&b)

	var mmt1 Cas[int]
	h := &fakeThread{tid: 1}
	_, ok := d.Cas(Null[int](), first, &mmt1, h, p, false)
	require.True(t, ok)

	var mmt2 Cas[int]
	_, ok = d.Cas(Null[int](), second, &mmt2, h, p, false)
	require.False(t, ok)

	assert.NotNil(t, h.LastFailedCas(), "a failed attempt must leave its memento's checkpoint pointer behind for the next CAS to clean up")
	assert.Same(t, &mmt2.checkpoint, h.LastFailedCas())

	var mmt3 Cas[int]
	third := FromGo(&a)
	_, ok = d.Cas(first, third, &mmt3, h, p, false)
	require.True(t, ok)

	assert.Equal(t, failed, mmt2.checkpoint, "the next successful CAS must mark the previous failed attempt's memento FAILED")
	assert.Nil(t, h.LastFailedCas())
}

func TestDCasRecoveryReplaysSuccess(t *testing.T) {
	p := pool.Open()
	d := NewDCas[int](Null[int]())

	var n int = 9
	node := FromGo(&n)

	var mmt Cas[int]
	h := &fakeThread{tid: 3}

	_, ok := d.Cas(Null[int](), node, &mmt, h, p, false)
	require.True(t, ok)

	// Recovery must replay the same outcome without re-deriving anything
	// from a second hardware CAS.
	result, ok := d.Cas(Null[int](), node, &mmt, h, p, true)
	assert.True(t, ok)
	assert.Equal(t, node, stripTag(result))
}

func TestDCasRecoveryReplaysFailure(t *testing.T) {
	p := pool.Open()
	d := NewDCas[int](Null[int]())

	var a, b int = 1, 2
	first := FromGo(&a)
	second := FromGo(&b)

	var mmt1 Cas[int]
	h1 := &fakeThread{tid: 1}
	_, ok := d.Cas(Null[int](), first, &mmt1, h1, p, false)
	require.True(t, ok)

	var mmt2 Cas[int]
	h2 := &fakeThread{tid: 2}
	_, ok = d.Cas(Null[int](), second, &mmt2, h2, p, false)
	require.False(t, ok)

	_, ok = d.Cas(Null[int](), second, &mmt2, h2, p, true)
	assert.False(t, ok, "recovering a failed attempt must still report failure")
}

func TestComposeDecomposeAuxRoundTrips(t *testing.T) {
	for _, bit := range []int{0, 1} {
		for _, ts := range []uint64{0, 1, 123456, 1<<62 - 1} {
			v := composeAux(bit, ts)
			gotBit, gotTs := decomposeAux(v)
			assert.Equal(t, bit, gotBit)
			assert.Equal(t, ts, gotTs)
		}
	}
}
