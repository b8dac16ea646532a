package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/appnet-org/lanmesh/pkg/clock"
)

func TestObserveFirstSeenIsNotDuplicate(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := New(time.Minute, fc)

	require.False(t, s.Observe("uid-1"))
}

func TestObserveRepeatWithinWindowIsDuplicate(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := New(time.Minute, fc)

	require.False(t, s.Observe("uid-1"))
	fc.Advance(10 * time.Second)
	require.True(t, s.Observe("uid-1"))
}

func TestObserveAfterWindowIsNotDuplicate(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := New(time.Minute, fc)

	require.False(t, s.Observe("uid-1"))
	fc.Advance(2 * time.Minute)
	require.False(t, s.Observe("uid-1"))
}

func TestPruneDropsExpiredEntries(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := New(time.Minute, fc)

	s.Observe("uid-1")
	fc.Advance(2 * time.Minute)
	s.Prune()

	s.mu.Lock()
	_, exists := s.seen["uid-1"]
	s.mu.Unlock()
	require.False(t, exists)
}
