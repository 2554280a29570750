package keysync

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"sipher/internal/domain"
	"sipher/internal/keyserver"
	"sipher/internal/services/account"
	"sipher/internal/services/session"
	"sipher/internal/store"
)

const password = "hunter2"

type fixture struct {
	ctx      context.Context
	db       *store.DB
	server   *keyserver.HTTP
	accounts *account.Service
	sessions *session.Service
	sync     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	srv := httptest.NewServer(keyserver.NewServer(log))
	t.Cleanup(srv.Close)
	client := keyserver.NewHTTP(srv.URL)

	db, err := store.Open(filepath.Join(t.TempDir(), "sipher.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sessions := session.New(db, db, client, log)
	return &fixture{
		ctx:      context.Background(),
		db:       db,
		server:   client,
		accounts: account.New(db, db, client, log),
		sessions: sessions,
		sync:     New(db, client, sessions, log),
	}
}

// establish publishes both users and has alice message bob so that an
// alice->bob session exists with bob's current key version recorded.
func (f *fixture) establish(t *testing.T) {
	t.Helper()
	for _, u := range []domain.UserID{"alice", "bob"} {
		_, err := f.accounts.Create(f.ctx, u, password)
		require.NoError(t, err)
		_, err = f.accounts.Publish(f.ctx, u, password, false)
		require.NoError(t, err)
	}
	alice, _, err := f.accounts.Load(f.ctx, "alice", password)
	require.NoError(t, err)
	_, _, err = f.sessions.Encrypt(f.ctx, "alice", password, alice, "bob", []byte("hi"))
	require.NoError(t, err)
}

func TestCheckPeerSynced(t *testing.T) {
	f := newFixture(t)
	f.establish(t)

	m, err := f.sync.CheckPeer(f.ctx, "alice", "bob")
	require.NoError(t, err)
	require.Nil(t, m)

	has, err := f.sessions.Lookup(f.ctx, "alice", password, "bob")
	require.NoError(t, err)
	require.True(t, has)
}

func TestCheckPeerDetectsRotation(t *testing.T) {
	f := newFixture(t)
	f.establish(t)

	_, err := f.accounts.Rotate(f.ctx, "bob", password)
	require.NoError(t, err)

	m, err := f.sync.CheckPeer(f.ctx, "alice", "bob")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, domain.UserID("bob"), m.Peer)
	require.Equal(t, domain.KeyVersion(1), m.OldVersion)
	require.Equal(t, domain.KeyVersion(2), m.NewVersion)

	// The stale session is gone; the next send re-establishes.
	has, err := f.sessions.Lookup(f.ctx, "alice", password, "bob")
	require.NoError(t, err)
	require.False(t, has)
}

func TestCheckPeerIgnoresVanishedPeer(t *testing.T) {
	f := newFixture(t)
	f.establish(t)

	// Simulate a server that lost bob: point at an empty server.
	log := logrus.New()
	log.SetOutput(io.Discard)
	empty := httptest.NewServer(keyserver.NewServer(log))
	t.Cleanup(empty.Close)

	sync := New(f.db, keyserver.NewHTTP(empty.URL), f.sessions, log)
	m, err := sync.CheckPeer(f.ctx, "alice", "bob")
	require.NoError(t, err)
	require.Nil(t, m)

	has, err := f.sessions.Lookup(f.ctx, "alice", password, "bob")
	require.NoError(t, err)
	require.True(t, has)
}

func TestCheckAllIsolatesPeers(t *testing.T) {
	f := newFixture(t)
	f.establish(t)

	// A second peer who also rotates.
	_, err := f.accounts.Create(f.ctx, "carol", password)
	require.NoError(t, err)
	_, err = f.accounts.Publish(f.ctx, "carol", password, false)
	require.NoError(t, err)
	alice, _, err := f.accounts.Load(f.ctx, "alice", password)
	require.NoError(t, err)
	_, _, err = f.sessions.Encrypt(f.ctx, "alice", password, alice, "carol", []byte("hi"))
	require.NoError(t, err)

	_, err = f.accounts.Rotate(f.ctx, "carol", password)
	require.NoError(t, err)

	mismatches, err := f.sync.CheckAll(f.ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	require.Equal(t, domain.UserID("carol"), mismatches[0].Peer)

	// Bob's session is untouched.
	has, err := f.sessions.Lookup(f.ctx, "alice", password, "bob")
	require.NoError(t, err)
	require.True(t, has)
}
