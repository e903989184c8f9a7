package contractwatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFirstObservationDoesNotNotify(t *testing.T) {
	tr := New()
	_, changed := tr.Update("p1", KindTools, "hash-a")
	require.False(t, changed)
}

func TestSameHashDoesNotNotify(t *testing.T) {
	tr := New()
	tr.Update("p1", KindTools, "hash-a")

	_, changed := tr.Update("p1", KindTools, "hash-a")
	require.False(t, changed)
}

func TestChangedHashNotifiesSubscriber(t *testing.T) {
	tr := New()
	ch, cancel := tr.Subscribe("p1")
	defer cancel()

	tr.Update("p1", KindTools, "hash-a") // first observation, no notify

	event, changed := tr.Update("p1", KindTools, "hash-b")
	require.True(t, changed)
	require.Equal(t, "hash-b", event.ContractHash)
	require.Equal(t, KindTools, event.Kind)

	select {
	case got := <-ch:
		require.Equal(t, event, got)
	default:
		t.Fatal("expected a buffered notification")
	}
}

func TestEventIDsAreStrictlyIncreasingAcrossProfiles(t *testing.T) {
	tr := New()
	tr.Update("p1", KindTools, "a")
	tr.Update("p2", KindTools, "x")

	e1, _ := tr.Update("p1", KindTools, "b")
	e2, _ := tr.Update("p2", KindTools, "y")

	require.Less(t, e1.EventID, e2.EventID)
}

func TestReplaySinceReturnsOnlyNewerEvents(t *testing.T) {
	tr := New()
	tr.Update("p1", KindTools, "a") // first observation

	e1, _ := tr.Update("p1", KindTools, "b")
	e2, _ := tr.Update("p1", KindTools, "c")

	replay := tr.ReplaySince("p1", e1.EventID)
	require.Len(t, replay, 1)
	require.Equal(t, e2.EventID, replay[0].EventID)
}

func TestIndependentKindsTrackedSeparately(t *testing.T) {
	tr := New()
	tr.Update("p1", KindTools, "t1")
	tr.Update("p1", KindResources, "r1")

	_, resourcesChanged := tr.Update("p1", KindResources, "r2")
	require.True(t, resourcesChanged)

	// Tools hash untouched: a later identical call still reports no change.
	_, stillSame := tr.Update("p1", KindTools, "t1")
	require.False(t, stillSame)
}
