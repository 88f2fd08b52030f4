package turnstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustHash(b byte) [32]byte {
	var h [32]byte
	h[0] = b
	return h
}

func TestCreateContextAndAppend(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	head, err := s.CreateContext(0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), head.HeadTurnID)
	require.Equal(t, uint32(0), head.HeadDepth)

	rec, err := s.AppendTurn(head.ContextID, 0, mustHash(1), 1, "com.example.Echo", 1, 0, 10)
	require.NoError(t, err)
	require.Equal(t, uint32(0), rec.Depth)
	require.Equal(t, uint64(0), rec.ParentTurnID)

	h2, err := s.GetHead(head.ContextID)
	require.NoError(t, err)
	require.Equal(t, rec.TurnID, h2.HeadTurnID)
}

func TestForkPreservesAncestry(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	head, err := s.CreateContext(0)
	require.NoError(t, err)
	rec, err := s.AppendTurn(head.ContextID, 0, mustHash(1), 1, "T", 1, 0, 1)
	require.NoError(t, err)

	fork, err := s.ForkContext(rec.TurnID)
	require.NoError(t, err)
	require.Equal(t, rec.TurnID, fork.HeadTurnID)
	require.Equal(t, uint32(0), fork.HeadDepth)

	rec2, err := s.AppendTurn(fork.ContextID, 0, mustHash(2), 1, "T", 1, 0, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), rec2.Depth)

	last, err := s.GetLast(fork.ContextID, 10)
	require.NoError(t, err)
	require.Len(t, last, 2)
	require.Equal(t, rec.TurnID, last[0].TurnID)
	require.Equal(t, rec2.TurnID, last[1].TurnID)
}

func TestForkRequiresExistingBase(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ForkContext(0)
	require.Error(t, err)

	_, err = s.ForkContext(999)
	require.Error(t, err)
}

func TestGetLastBoundaries(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	head, err := s.CreateContext(0)
	require.NoError(t, err)

	got, err := s.GetLast(head.ContextID, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	for i := 0; i < 3; i++ {
		_, err := s.AppendTurn(head.ContextID, 0, mustHash(byte(i)), 1, "T", 1, 0, 1)
		require.NoError(t, err)
	}

	got, err = s.GetLast(head.ContextID, 100)
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestRestartPreservesState(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	head, err := s.CreateContext(0)
	require.NoError(t, err)
	rec, err := s.AppendTurn(head.ContextID, 0, mustHash(7), 1, "T", 1, 0, 1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	h2, err := s2.GetHead(head.ContextID)
	require.NoError(t, err)
	require.Equal(t, rec.TurnID, h2.HeadTurnID)

	// next turn/context ids must continue monotonically, not reset
	head2, err := s2.CreateContext(0)
	require.NoError(t, err)
	require.Greater(t, head2.ContextID, head.ContextID)
}

func TestListRecentContextsSortedDescending(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	var ids []uint64
	for i := 0; i < 3; i++ {
		h, err := s.CreateContext(0)
		require.NoError(t, err)
		ids = append(ids, h.ContextID)
	}

	recent := s.ListRecentContexts(10)
	require.Len(t, recent, 3)
	// creation order should not be strictly increasing by created_at since
	// timestamps can tie within the same millisecond; just verify all ids
	// present.
	seen := map[uint64]bool{}
	for _, h := range recent {
		seen[h.ContextID] = true
	}
	for _, id := range ids {
		require.True(t, seen[id])
	}
}
