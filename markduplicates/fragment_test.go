package markduplicates

import (
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore() *PartitionStore {
	return NewPartitionStore(header, 100, 10)
}

func TestFragmentPair(t *testing.T) {
	store := testStore()
	home := store.Key(0, 0)
	f := newFragment(basicC1)
	assert.Equal(t, Unset, f.Status())

	require.NoError(t, f.addRead(basicC1, home, store))
	assert.Equal(t, Primary, f.Status())
	assert.False(t, f.Complete())
	_, ok := f.Coordinates()
	assert.False(t, ok)
	e, mateRef, ok := f.pendingEnd()
	assert.True(t, ok)
	assert.Equal(t, end{0, 0, false}, e)
	assert.Equal(t, 0, mateRef)

	require.NoError(t, f.addRead(basicC2, home, store))
	assert.True(t, f.Complete())
	c, ok := f.Coordinates()
	assert.True(t, ok)
	assert.Equal(t, FragmentCoordinates{0, 0, 0, 10, ff}, c)
	assert.True(t, f.grouped())
	assert.Equal(t, []*sam.Record{basicC1, basicC2}, f.primaryReads())
}

func TestFragmentSingle(t *testing.T) {
	store := testStore()
	f := newFragment(single)
	require.NoError(t, f.addRead(single, store.Key(0, 0), store))
	assert.True(t, f.Complete())
	c, ok := f.Coordinates()
	assert.True(t, ok)
	assert.True(t, c.IsSingle())
	_, _, ok = f.pendingEnd()
	assert.False(t, ok)
}

func TestFragmentSupplementary(t *testing.T) {
	store := testStore()
	home := store.Key(0, 0)
	recs := consensusInput()
	r1, r2, supp := recs[0], recs[2], recs[4]

	// The supplementary read may arrive first.
	f := newFragment(supp)
	require.NoError(t, f.addRead(supp, home, store))
	assert.Equal(t, Supplementary, f.Status())
	assert.False(t, f.Complete())

	require.NoError(t, f.addRead(r1, home, store))
	assert.Equal(t, Primary, f.Status())
	assert.Equal(t, []PartitionKey{store.Key(1, 100)}, f.RemotePartitions())
	assert.False(t, f.Complete())

	require.NoError(t, f.addRead(r2, home, store))
	assert.True(t, f.Complete())
	assert.Equal(t, []*sam.Record{supp}, f.supplementaryReads())
	assert.Equal(t, []*sam.Record{r1, r2}, f.primaryReads())
	assert.InDelta(t, float64('I'), f.AverageBaseQuality(), 1e-9)
}

func TestFragmentResolved(t *testing.T) {
	store := testStore()
	f := newFragment(distantDupK1)
	require.NoError(t, f.addRead(distantDupK1, store.Key(0, 0), store))
	assert.False(t, f.Complete())
	assert.False(t, f.resolved(func(int) bool { return false }))
	assert.False(t, f.resolved(func(id int) bool { return id == 0 }))
	assert.True(t, f.resolved(func(int) bool { return true }))
}

func TestFragmentStatus(t *testing.T) {
	store := testStore()
	f := newFragment(basicA1)
	require.NoError(t, f.addRead(basicA1, store.Key(0, 0), store))
	assert.Error(t, f.setStatus(Supplementary))
	require.NoError(t, f.setStatus(Duplicate))
	require.NoError(t, f.setStatus(Written))
	assert.Error(t, f.setStatus(Primary))
	assert.Error(t, f.addRead(basicA2, store.Key(0, 0), store))
	assert.Equal(t, "WRITTEN", f.Status().String())
}

func TestFragmentMerge(t *testing.T) {
	store := testStore()
	home := store.Key(0, 0)
	a := newFragment(basicA1)
	require.NoError(t, a.addRead(basicA1, home, store))
	b := newFragment(basicA2)
	require.NoError(t, b.addRead(basicA2, home, store))
	require.NoError(t, a.merge(b, home, store))
	assert.True(t, a.Complete())
	assert.Nil(t, b.Reads)
	assert.Equal(t, 2, len(a.Reads))
}
