package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerivePairState(t *testing.T) {
	cases := []struct {
		local  State
		remote State
		want   PairState
	}{
		{StateUnknown, StateUnknown, PairUnknown},
		{StateSynchronized, StateSynchronized, PairSynchronized},
		{StateCreated, StateUnknown, PairLocallyCreated},
		{StateUnknown, StateCreated, PairRemotelyCreated},
		{StateModified, StateSynchronized, PairLocallyModified},
		{StateSynchronized, StateModified, PairRemotelyModified},
		{StateDeleted, StateSynchronized, PairLocallyDeleted},
		{StateSynchronized, StateDeleted, PairRemotelyDeleted},
		{StateDeleted, StateDeleted, PairDeleted},

		// A deletion racing a recreation resurrects the document.
		{StateCreated, StateDeleted, PairLocallyCreated},
		{StateDeleted, StateCreated, PairRemotelyCreated},

		// Concurrent edits always surface to the user.
		{StateModified, StateModified, PairConflicted},
		{StateCreated, StateCreated, PairConflicted},
		{StateModified, StateDeleted, PairConflicted},

		// Manual resolution hands the winner to the propagator.
		{StateResolved, StateUnknown, PairLocallyResolved},
		{StateResolved, StateSynchronized, PairSynchronized},

		{StateUnsynchronized, StateModified, PairUnsynchronized},
		{StateUnsynchronized, StateDeleted, PairRemotelyDeleted},
	}
	for _, tc := range cases {
		got := DerivePairState(tc.local, tc.remote)
		assert.Equal(t, tc.want, got, "(%s, %s)", tc.local, tc.remote)
	}

	t.Run("unlisted combinations conflict", func(t *testing.T) {
		assert.Equal(t, PairConflicted, DerivePairState(StateCreated, StateMoved))
		assert.Equal(t, PairConflicted, DerivePairState(StateResolved, StateDeleted))
	})
}

func TestPairStateTerminal(t *testing.T) {
	assert.True(t, PairSynchronized.Terminal())
	assert.True(t, PairConflicted.Terminal())
	assert.True(t, PairUnsynchronized.Terminal())
	assert.True(t, PairDeleted.Terminal())

	assert.False(t, PairLocallyCreated.Terminal())
	assert.False(t, PairRemotelyModified.Terminal())
	assert.False(t, PairUnknown.Terminal())
}

func TestUpdateLocal(t *testing.T) {
	var p Pair
	p.UpdateLocal("projects/plan/q3.md")
	assert.Equal(t, "projects/plan", p.LocalParentPath)
	assert.Equal(t, "q3.md", p.LocalName)

	p.UpdateLocal("top.txt")
	assert.Equal(t, "", p.LocalParentPath)
	assert.Equal(t, "top.txt", p.LocalName)
}

func TestRefreshState(t *testing.T) {
	p := Pair{LocalState: StateModified, RemoteState: StateSynchronized}
	p.RefreshState()
	assert.Equal(t, PairLocallyModified, p.PairState)

	p.RemoteState = StateModified
	p.RefreshState()
	assert.Equal(t, PairConflicted, p.PairState)
}
