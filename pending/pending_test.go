package pending

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/dnsfrontend/mock"
)

func newTestQuery() *Query {
	return &Query{
		Session: mock.NewSession("udp", "127.0.0.1:0"),
		QName:   "example.com.",
		QType:   1,
		QClass:  1,
	}
}

func TestTableInsertAssignsUniqueID(t *testing.T) {
	tbl := NewTable()

	q1 := newTestQuery()
	q2 := newTestQuery()

	require.NoError(t, tbl.Insert(q1))
	require.NoError(t, tbl.Insert(q2))

	assert.NotEqual(t, q1.ID, q2.ID)
	assert.Equal(t, 2, tbl.Count())
}

func TestTableLookup(t *testing.T) {
	tbl := NewTable()
	q := newTestQuery()
	require.NoError(t, tbl.Insert(q))

	got := tbl.Lookup(q.ID)
	require.NotNil(t, got)
	assert.Equal(t, q.QName, got.QName)

	assert.Nil(t, tbl.Lookup(q.ID+1))
}

func TestTableRemove(t *testing.T) {
	tbl := NewTable()
	q := newTestQuery()
	require.NoError(t, tbl.Insert(q))

	tbl.Remove(q)
	assert.Equal(t, 0, tbl.Count())
	assert.Nil(t, tbl.Lookup(q.ID))

	// double-remove must not panic
	tbl.Remove(q)
	tbl.Remove(nil)
}

func TestTableEach(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < 5; i++ {
		require.NoError(t, tbl.Insert(newTestQuery()))
	}

	seen := 0
	tbl.Each(func(q *Query) { seen++ })
	assert.Equal(t, 5, seen)
}

func TestQueryCapacityFixedOnce(t *testing.T) {
	q := newTestQuery()
	q.SetCapacity(10)
	q.SetCapacity(20) // must be ignored

	require.NoError(t, q.Append(make([]byte, 10)))
	assert.True(t, q.Complete())
	assert.Len(t, q.Answer(), 10)
}

func TestQueryAppendRejectsOverflow(t *testing.T) {
	q := newTestQuery()
	q.SetCapacity(4)

	err := q.Append(make([]byte, 5))
	assert.Error(t, err)
}

func TestQueryAppendBeforeCapacityFixed(t *testing.T) {
	q := newTestQuery()
	err := q.Append([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestQueryAppendChunked(t *testing.T) {
	q := newTestQuery()
	q.SetCapacity(6)

	require.NoError(t, q.Append([]byte{1, 2, 3}))
	assert.False(t, q.Complete())

	require.NoError(t, q.Append([]byte{4, 5, 6}))
	assert.True(t, q.Complete())
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, q.Answer())
}
