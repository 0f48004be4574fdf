package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlowTable_AllocateRequestedThenEstablish(t *testing.T) {
	ft := newFlowTable()

	id, waiter, err := ft.AllocateRequested()
	require.NoError(t, err)
	require.NotZero(t, id)

	e, ok := ft.Get(id)
	require.True(t, ok)
	require.Equal(t, flowRequested, e.state)

	est := newEstablishedState(4, 8)
	w, ok := ft.Establish(id, est)
	require.True(t, ok)
	require.Equal(t, connWaiter(waiter), w)

	e, ok = ft.Get(id)
	require.True(t, ok)
	require.Equal(t, flowEstablished, e.state)
	require.Same(t, est, e.est)
}

func TestFlowTable_EstablishWrongState(t *testing.T) {
	ft := newFlowTable()
	ft.InsertEstablished(55, newEstablishedState(1, 1), "h", 1)

	_, ok := ft.Establish(55, newEstablishedState(1, 1))
	require.False(t, ok, "establish must not succeed over an already-established id")

	_, ok = ft.Establish(999, newEstablishedState(1, 1))
	require.False(t, ok, "establish must fail for an unknown id")
}

func TestFlowTable_InsertEstablishedRejectsCollision(t *testing.T) {
	ft := newFlowTable()
	require.True(t, ft.InsertEstablished(1, newEstablishedState(1, 1), "a", 1))
	require.False(t, ft.InsertEstablished(1, newEstablishedState(1, 1), "b", 2))
}

func TestFlowTable_BindRequestedLifecycle(t *testing.T) {
	ft := newFlowTable()
	id, waiter, err := ft.AllocateBindRequested()
	require.NoError(t, err)

	e, ok := ft.Get(id)
	require.True(t, ok)
	require.Equal(t, flowBindRequested, e.state)
	require.Equal(t, bindWaiter(waiter), e.bindWait)

	removed, ok := ft.Remove(id)
	require.True(t, ok)
	require.Equal(t, flowBindRequested, removed.state)

	_, ok = ft.Get(id)
	require.False(t, ok)
}

func TestFlowTable_RemoveUnknown(t *testing.T) {
	ft := newFlowTable()
	_, ok := ft.Remove(42)
	require.False(t, ok)
}

func TestFlowTable_LenAndSnapshot(t *testing.T) {
	ft := newFlowTable()
	_, _, err := ft.AllocateRequested()
	require.NoError(t, err)
	ft.InsertEstablished(10, newEstablishedState(1, 1), "h", 1)
	ft.InsertEstablished(11, newEstablishedState(1, 1), "h", 2)

	require.Equal(t, 3, ft.Len())
	require.Len(t, ft.EstablishedSnapshot(), 2)
}

func TestFlowTable_AllocateAvoidsCollisions(t *testing.T) {
	ft := newFlowTable()
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		id, _, err := ft.AllocateRequested()
		require.NoError(t, err)
		require.False(t, seen[id], "allocate must not reuse a live id")
		seen[id] = true
	}
}
