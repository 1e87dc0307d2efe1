package restart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesPerRestart(t *testing.T) {
	base := 60 * time.Second

	assert.Equal(t, 60*time.Second, Backoff(base, 0))
	assert.Equal(t, 120*time.Second, Backoff(base, 1))
	assert.Equal(t, 240*time.Second, Backoff(base, 2))
	assert.Equal(t, 480*time.Second, Backoff(base, 3))
}

func TestBackoffGuards(t *testing.T) {
	assert.Equal(t, time.Duration(0), Backoff(0, 5))
	assert.Equal(t, time.Second, Backoff(time.Second, -3))

	// Huge counts must not overflow into a negative duration.
	assert.True(t, Backoff(time.Second, 10000) > 0)
}

// The canonical sequence: three restarts at 60s, 120s, 240s, then give up.
func TestDecideCanonicalSequence(t *testing.T) {
	const maxRestarts = 3
	base := 60 * time.Second
	crashedAt := time.Now()

	waits := []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}
	for count, want := range waits {
		d := Decide(count, crashedAt, crashedAt, maxRestarts, base)
		assert.Equal(t, ActionWait, d.Action, "restart %d", count)
		assert.Equal(t, want, d.Wait, "restart %d", count)
	}

	d := Decide(3, crashedAt, crashedAt, maxRestarts, base)
	assert.Equal(t, ActionGiveUp, d.Action)
}

func TestDecideGiveUpIsPermanent(t *testing.T) {
	crashedAt := time.Now()
	for _, count := range []int{3, 4, 10, 1000} {
		d := Decide(count, crashedAt, crashedAt.Add(24*time.Hour), 3, time.Minute)
		assert.Equal(t, ActionGiveUp, d.Action, "count %d", count)
	}
}

func TestDecideRestartNowAfterBackoffElapsed(t *testing.T) {
	base := 60 * time.Second
	crashedAt := time.Now()

	d := Decide(0, crashedAt, crashedAt.Add(60*time.Second), 3, base)
	assert.Equal(t, ActionRestartNow, d.Action)

	d = Decide(1, crashedAt, crashedAt.Add(121*time.Second), 3, base)
	assert.Equal(t, ActionRestartNow, d.Action)
}

func TestDecideReportsRemainingWait(t *testing.T) {
	base := 60 * time.Second
	crashedAt := time.Now()

	d := Decide(0, crashedAt, crashedAt.Add(45*time.Second), 3, base)
	assert.Equal(t, ActionWait, d.Action)
	assert.Equal(t, 15*time.Second, d.Wait)
}

func TestDecideZeroMaxRestartsGivesUpImmediately(t *testing.T) {
	d := Decide(0, time.Now(), time.Now(), 0, time.Minute)
	assert.Equal(t, ActionGiveUp, d.Action)
}

func TestDecideZeroBaseRestartsImmediately(t *testing.T) {
	now := time.Now()
	d := Decide(0, now, now, 3, 0)
	assert.Equal(t, ActionRestartNow, d.Action)
}

func TestDecideIsPure(t *testing.T) {
	crashedAt := time.Unix(1700000000, 0)
	now := crashedAt.Add(30 * time.Second)

	first := Decide(1, crashedAt, now, 3, time.Minute)
	second := Decide(1, crashedAt, now, 3, time.Minute)
	assert.Equal(t, first, second)
}
