package reflog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndReadBack(t *testing.T) {
	l := New(t.TempDir())

	e1 := Entry{Timestamp: 100, OldValue: "0000000000000000000000000000000000000000", NewValue: "abc", Operation: "commit", Message: "initial"}
	e2 := Entry{Timestamp: 200, OldValue: "abc", NewValue: "def", Operation: "commit", Message: "second: with a colon"}

	require.NoError(t, l.Append(e1))
	require.NoError(t, l.Append(e2))

	entries, err := l.All()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, e1, entries[0])
	require.Equal(t, e2, entries[1])
}

func TestLastReturnsMostRecent(t *testing.T) {
	l := New(t.TempDir())
	_, ok, err := l.Last()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.Append(Entry{Timestamp: 1, OldValue: "a", NewValue: "b", Operation: "checkout", Message: "moving to b"}))
	last, ok, err := l.Last()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "checkout", last.Operation)
}
