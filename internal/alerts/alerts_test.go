package alerts

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilmon/vigil/internal/models"
)

func newTestRegistry() *Registry {
	return NewRegistry(5, 5*time.Minute)
}

func TestRegistryLazyCreateAndDispose(t *testing.T) {
	r := newTestRegistry()

	st := r.Get(42)
	require.NotNil(t, st)
	assert.Same(t, st, r.Get(42), "same monitor gets the same state")
	assert.Equal(t, 1, r.Len())

	st.IncrementConsecutiveErrors()
	st.MarkErrorSent(models.ChannelChat)

	r.Dispose(42)
	assert.Equal(t, 0, r.Len())

	fresh := r.Get(42)
	assert.NotSame(t, st, fresh)
	assert.Equal(t, 0, fresh.ConsecutiveErrors())
	assert.False(t, fresh.ErrorSentSinceError(models.ChannelChat))
}

func TestConsecutiveErrorCounter(t *testing.T) {
	st := newTestRegistry().Get(1)

	assert.Equal(t, 1, st.IncrementConsecutiveErrors())
	assert.Equal(t, 2, st.IncrementConsecutiveErrors())
	assert.Equal(t, 2, st.ConsecutiveErrors())

	prev := st.ResetConsecutiveErrors()
	assert.Equal(t, 2, prev)
	assert.Equal(t, 0, st.ConsecutiveErrors())
}

func TestFirstErrorOnlySemantics(t *testing.T) {
	st := newTestRegistry().Get(1)

	st.IncrementConsecutiveErrors()
	assert.True(t, st.CanSendAlert(models.ChannelChat, 30*time.Second, false))

	st.IncrementConsecutiveErrors()
	assert.False(t, st.CanSendAlert(models.ChannelChat, 30*time.Second, false),
		"second consecutive failure is suppressed")

	st.ResetConsecutiveErrors()
	st.IncrementConsecutiveErrors()
	assert.True(t, st.CanSendAlert(models.ChannelChat, 30*time.Second, false),
		"new episode fires again")
}

func TestRepeatAlertsHonorThrottle(t *testing.T) {
	st := newTestRegistry().Get(1)
	base := time.Now()
	st.now = func() time.Time { return base }

	st.IncrementConsecutiveErrors()
	assert.True(t, st.CanSendAlert(models.ChannelChat, 30*time.Second, true),
		"never sent means no throttle applies")
	st.MarkSent(models.ChannelChat)

	st.IncrementConsecutiveErrors()
	assert.False(t, st.CanSendAlert(models.ChannelChat, 30*time.Second, true))

	st.now = func() time.Time { return base.Add(29 * time.Second) }
	assert.False(t, st.CanSendAlert(models.ChannelChat, 30*time.Second, true))

	st.now = func() time.Time { return base.Add(30 * time.Second) }
	assert.True(t, st.CanSendAlert(models.ChannelChat, 30*time.Second, true),
		"throttle boundary is inclusive")
}

func TestExtendedThrottleAfterStreak(t *testing.T) {
	st := NewRegistry(5, 5*time.Minute).Get(1)
	base := time.Now()
	st.now = func() time.Time { return base }

	for i := 0; i < 6; i++ {
		st.IncrementConsecutiveErrors()
	}
	st.MarkSent(models.ChannelChat)

	// Past the streak count the 30s throttle stretches to 5 minutes.
	st.now = func() time.Time { return base.Add(time.Minute) }
	assert.False(t, st.CanSendAlert(models.ChannelChat, 30*time.Second, true))

	st.now = func() time.Time { return base.Add(5 * time.Minute) }
	assert.True(t, st.CanSendAlert(models.ChannelChat, 30*time.Second, true))
}

func TestExtendedThrottleNeverShortensLongThrottles(t *testing.T) {
	st := NewRegistry(5, 5*time.Minute).Get(1)
	base := time.Now()
	st.now = func() time.Time { return base }

	for i := 0; i < 10; i++ {
		st.IncrementConsecutiveErrors()
	}
	st.MarkSent(models.ChannelEmail)

	st.now = func() time.Time { return base.Add(6 * time.Minute) }
	assert.False(t, st.CanSendAlert(models.ChannelEmail, 10*time.Minute, true),
		"a longer channel throttle wins over the extended interval")
}

func TestEpisodeFlags(t *testing.T) {
	st := newTestRegistry().Get(1)

	assert.False(t, st.ErrorSentSinceError(models.ChannelWebhook))

	st.MarkErrorSent(models.ChannelWebhook)
	assert.True(t, st.ErrorSentSinceError(models.ChannelWebhook))
	assert.False(t, st.RecoverySentSinceError(models.ChannelWebhook))
	assert.False(t, st.ErrorSentSinceError(models.ChannelEmail), "flags are per channel")

	st.MarkRecoverySent(models.ChannelWebhook)
	assert.True(t, st.RecoverySentSinceError(models.ChannelWebhook))
	assert.False(t, st.ErrorSentSinceError(models.ChannelWebhook),
		"recovery closes the episode")

	st.ResetChannelFlags(models.ChannelWebhook)
	assert.False(t, st.RecoverySentSinceError(models.ChannelWebhook))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := newTestRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			st := r.Get(id % 5)
			st.IncrementConsecutiveErrors()
			st.MarkSent(models.ChannelPush)
			st.CanSendAlert(models.ChannelPush, time.Second, true)
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, 5, r.Len())
	total := 0
	for id := int64(0); id < 5; id++ {
		total += r.Get(id).ConsecutiveErrors()
	}
	assert.Equal(t, 50, total)
}
