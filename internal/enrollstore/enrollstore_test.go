package enrollstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbauthd/tbauthd/internal/keymaterial"
	"github.com/tbauthd/tbauthd/internal/sysfsprobe"
	"github.com/tbauthd/tbauthd/internal/tberr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	rec := Record{
		UID:      "u1",
		Name:     "Thunderbolt Dock",
		Vendor:   "Example Corp",
		Policy:   PolicyAuto,
		CTime:    time.Unix(1700000000, 0).UTC(),
		Security: sysfsprobe.SecurityUser,
	}
	require.NoError(t, s.Put(rec))

	got, err := s.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, rec.UID, got.UID)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.Vendor, got.Vendor)
	assert.Equal(t, rec.Policy, got.Policy)
	assert.Equal(t, rec.CTime.Unix(), got.CTime.Unix())
	assert.Equal(t, rec.Security, got.Security)
}

func TestGetMissingIsNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, err := s.Get("missing")
	assert.True(t, tberr.IsNotFound(err))
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.Put(Record{UID: "u1"}))
	require.NoError(t, s.Delete("u1"))
	require.NoError(t, s.Delete("u1"))

	_, err := s.Get("u1")
	assert.True(t, tberr.IsNotFound(err))
}

func TestKeyLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	assert.False(t, s.HasKey("u1"))

	k, err := keymaterial.Generate()
	require.NoError(t, err)
	require.NoError(t, s.PutKey("u1", k))

	assert.True(t, s.HasKey("u1"))
	loaded, err := s.LoadKey("u1")
	require.NoError(t, err)
	assert.Equal(t, k, loaded)
}

func TestListReturnsAllUIDs(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.Put(Record{UID: "u1"}))
	require.NoError(t, s.Put(Record{UID: "u2"}))

	uids, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, uids)
}

func TestPutOverwriteNeverLeavesTornState(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.Put(Record{UID: "u1", Name: "first"}))
	require.NoError(t, s.Put(Record{UID: "u1", Name: "second"}))

	got, err := s.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)
}
