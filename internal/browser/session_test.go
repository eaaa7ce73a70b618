package browser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/chromewarden/api/schemas"
)

func TestSessionInfoSnapshot(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t)
	s, _ := readySession(t, tm)

	info := s.Info()
	assert.Equal(t, s.ID(), info.ID)
	assert.Equal(t, schemas.StatusReady, info.Status)
	assert.NotZero(t, info.PID)
	assert.NotEmpty(t, info.Endpoint)
	assert.Equal(t, 1, info.PageCount, "a ready session has its primary page")
	assert.False(t, info.StartedAt.IsZero())
}

func TestNewPageTracksAndConfigures(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t)
	s, ch := readySession(t, tm)
	before := ch.configureCount()

	p, err := s.NewPage(context.Background())
	require.NoError(t, err)
	assert.True(t, s.hasPage(p.TargetID()))
	assert.Greater(t, ch.configureCount(), before)
	assert.Equal(t, 2, s.Info().PageCount)

	require.NoError(t, p.Close(context.Background()))
	assert.False(t, s.hasPage(p.TargetID()))
	assert.Equal(t, 1, s.Info().PageCount)
}

func TestNewPageOnClosedSessionFails(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t)
	s, _ := readySession(t, tm)
	require.NoError(t, s.Close(context.Background()))

	_, err := s.NewPage(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindChannelClosed, Classify(err))
}

func TestPageOperationsAfterPageClose(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t)
	s, _ := readySession(t, tm)

	p, err := s.NewPage(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))

	err = p.Navigate(context.Background(), "https://example.test")
	require.Error(t, err)
	assert.Equal(t, KindFrameOrTargetLost, Classify(err))

	assert.NoError(t, p.Close(context.Background()), "closing a closed page is a no-op")
}

func TestStealthFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	inj := &failingInjector{}
	tm := newTestManager(t, WithStealthInjector(inj))

	s, err := tm.m.InitializeSession(context.Background(), schemas.SessionOptions{})
	require.NoError(t, err, "stealth hook failures are logged, never fatal to the session")
	assert.Equal(t, schemas.StatusReady, s.Status())
	assert.Greater(t, inj.calls, 0, "the hook runs once per configured page")
}

type failingInjector struct {
	calls int
}

func (f *failingInjector) Apply(ctx context.Context, p *Page) error {
	f.calls++
	return assert.AnError
}
