package bcfslog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	warns []string
}

func (r *recordingLogger) Debugf(string, ...any) {}
func (r *recordingLogger) Errorf(string, ...any) {}
func (r *recordingLogger) Warnf(format string, args ...any) {
	r.warns = append(r.warns, format)
}

func Test_RateLimited_Suppresses_Repeats_Within_Window(t *testing.T) {
	t.Parallel()

	rec := &recordingLogger{}
	rl := NewRateLimited(rec, time.Minute)

	clock := time.Now()
	rl.now = func() time.Time { return clock }

	rl.Warnf("stripe-7", "missing stripe %d", 7)
	rl.Warnf("stripe-7", "missing stripe %d", 7)
	require.Len(t, rec.warns, 1)

	clock = clock.Add(2 * time.Minute)
	rl.Warnf("stripe-7", "missing stripe %d", 7)
	require.Len(t, rec.warns, 2)
}

func Test_RateLimited_Tracks_Keys_Independently(t *testing.T) {
	t.Parallel()

	rec := &recordingLogger{}
	rl := NewRateLimited(rec, time.Minute)

	rl.Warnf("stripe-1", "a")
	rl.Warnf("stripe-2", "b")
	require.Len(t, rec.warns, 2)
}
