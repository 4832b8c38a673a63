package signal //nolint:testpackage // internal test needs access to unexported helpers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/pkg/protocol"
)

func TestPollUntil_StopsOnDone(t *testing.T) {
	calls := 0
	err := pollUntil(context.Background(), time.Second, time.Millisecond, nil, func() (bool, error) {
		calls++
		return calls == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPollUntil_PropagatesError(t *testing.T) {
	boom := errors.New("disk gone")
	err := pollUntil(context.Background(), time.Second, time.Millisecond, nil, func() (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestPollUntil_ZeroTimeoutTriesOnce(t *testing.T) {
	calls := 0
	err := pollUntil(context.Background(), 0, time.Second, nil, func() (bool, error) {
		calls++
		return false, nil
	})
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Equal(t, 1, calls)
}

func TestPollUntil_WakeShortensWait(t *testing.T) {
	wake := make(chan struct{}, 1)
	calls := 0
	start := time.Now()
	err := pollUntil(context.Background(), 10*time.Second, 5*time.Second, wake, func() (bool, error) {
		calls++
		if calls == 1 {
			wake <- struct{}{}
			return false, nil
		}
		return true, nil
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNameRoundTrip(t *testing.T) {
	ts := time.Unix(0, 1_700_000_000_123_456_789)
	name := formatName(ts, "runner/auth-v2", "guardian", protocol.SignalNeedsReview, "abcd1234")

	m, ok := parseName(name)
	require.True(t, ok)
	assert.Equal(t, "runner/auth-v2", m.source)
	assert.Equal(t, "guardian", m.target)
	assert.Equal(t, protocol.SignalNeedsReview, m.typ)
	assert.True(t, m.ts.Equal(ts))
}

func TestParseName_Rejects(t *testing.T) {
	for _, name := range []string{
		"notes.txt",
		"123-a-b.json",
		"abc-a-b-c-d.json",
		"1-a-b-c-d-e.json",
	} {
		_, ok := parseName(name)
		assert.False(t, ok, name)
	}
}

func TestNextTimestamp_StrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Channel{now: func() time.Time { return fixed }}
	a := c.nextTimestamp()
	b := c.nextTimestamp()
	assert.True(t, b.After(a))
}
