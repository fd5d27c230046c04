package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	p, err := s.Create("owner-1", "Promote a coffee brand", "warm", Settings{TargetDuration: 30})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	assert.Equal(t, StatusPending, p.Status)

	got, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Promote a coffee brand", got.Prompt)

	cfg, err := got.Settings()
	require.NoError(t, err)
	assert.InDelta(t, 30.0, cfg.TargetDuration, 1e-9)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdvanceIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Create("o", "p", "t", Settings{})
	require.NoError(t, err)

	require.NoError(t, s.Advance(p.ID, StatusScript, 20))
	require.NoError(t, s.Advance(p.ID, StatusVoice, 40))

	// Backwards transitions are rejected.
	err = s.Advance(p.ID, StatusScript, 90)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Progress never decreases even if a later stage reports less.
	require.NoError(t, s.Advance(p.ID, StatusMusic, 10))
	got, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, StatusMusic, got.Status)
}

func TestTerminalStates(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Create("o", "p", "t", Settings{})
	require.NoError(t, err)

	require.NoError(t, s.Fail(p.ID, "AUTH", "bad key"))
	got, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "AUTH", got.ErrorKind)

	// Terminal states reject further advances.
	err = s.Advance(p.ID, StatusMixing, 80)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancel(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Create("o", "p", "t", Settings{})
	require.NoError(t, err)
	require.NoError(t, s.Advance(p.ID, StatusVoice, 35))

	require.NoError(t, s.Cancel(p.ID))
	got, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	// Progress frozen at the last reported value.
	assert.Equal(t, 35, got.Progress)

	assert.ErrorIs(t, s.Cancel("missing"), ErrNotFound)
}

func TestWarnings(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Create("o", "p", "t", Settings{})
	require.NoError(t, err)

	require.NoError(t, s.AppendWarning(p.ID, "analyzer failed; sentence ducking applied"))
	require.NoError(t, s.AppendWarning(p.ID, "scaling refused"))

	got, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"analyzer failed; sentence ducking applied",
		"scaling refused",
	}, got.Warnings())
}

func TestAssetSupersession(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Create("o", "p", "t", Settings{})
	require.NoError(t, err)

	require.NoError(t, s.RegisterAsset(p.ID, "music", "raw", "/tmp/a.mp3", 31.2))
	require.NoError(t, s.RegisterAsset(p.ID, "music", "trimmed", "/tmp/b.mp3", 28.8))
	require.NoError(t, s.RegisterAsset(p.ID, "music", "ducked", "/tmp/c.mp3", 28.8))

	old, err := s.SupersededAssets(p.ID)
	require.NoError(t, err)
	require.Len(t, old, 2)

	var ids []uint
	for _, a := range old {
		ids = append(ids, a.ID)
	}
	require.NoError(t, s.DeleteAssets(ids))

	old, err = s.SupersededAssets(p.ID)
	require.NoError(t, err)
	assert.Empty(t, old)
}
