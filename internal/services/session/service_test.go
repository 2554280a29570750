package session

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"sipher/internal/domain"
	"sipher/internal/keyserver"
	"sipher/internal/protocol/e2ee"
	"sipher/internal/services/account"
	"sipher/internal/store"
)

const password = "hunter2"

type fixture struct {
	ctx      context.Context
	db       *store.DB
	server   *keyserver.HTTP
	accounts *account.Service
	sessions *Service
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

	return &fixture{
		ctx:      context.Background(),
		db:       db,
		server:   client,
		accounts: account.New(db, db, client, log),
		sessions: New(db, db, client, log),
	}
}

func (f *fixture) setup(t *testing.T, user domain.UserID) (*e2ee.Account, domain.AccountRecord) {
	t.Helper()
	_, err := f.accounts.Create(f.ctx, user, password)
	require.NoError(t, err)
	_, err = f.accounts.Publish(f.ctx, user, password, false)
	require.NoError(t, err)
	acct, rec, err := f.accounts.Load(f.ctx, user, password)
	require.NoError(t, err)
	return acct, rec
}

func TestRoundTripAndEstablishment(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.setup(t, "alice")
	bob, bobRec := f.setup(t, "bob")

	// First message establishes outbound and rides in a pre-key body.
	typ, body, err := f.sessions.Encrypt(f.ctx, "alice", password, alice, "bob", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, domain.MsgTypePreKey, typ)

	pt, err := f.sessions.DecryptPreKey(f.ctx, "bob", password, bob, bobRec, "alice", body)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)

	// Bob's inbound session is established, so his reply is type 1.
	typ, body, err = f.sessions.Encrypt(f.ctx, "bob", password, bob, "alice", []byte("world"))
	require.NoError(t, err)
	require.Equal(t, domain.MsgTypeRatchet, typ)

	pt, err = f.sessions.Decrypt(f.ctx, "alice", password, "alice", domain.MsgTypeRatchet, body)
	require.Error(t, err) // wrong peer

	pt, err = f.sessions.Decrypt(f.ctx, "alice", password, "bob", domain.MsgTypeRatchet, body)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), pt)

	// Alice saw a reply; her session flips to ratcheted messages.
	typ, _, err = f.sessions.Encrypt(f.ctx, "alice", password, alice, "bob", []byte("again"))
	require.NoError(t, err)
	require.Equal(t, domain.MsgTypeRatchet, typ)
}

func TestRepeatedPreKeyMessagesBeforeReply(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.setup(t, "alice")
	bob, bobRec := f.setup(t, "bob")

	// Until a reply comes back every outbound message is a pre-key one.
	typ1, body1, err := f.sessions.Encrypt(f.ctx, "alice", password, alice, "bob", []byte("m1"))
	require.NoError(t, err)
	typ2, body2, err := f.sessions.Encrypt(f.ctx, "alice", password, alice, "bob", []byte("m2"))
	require.NoError(t, err)
	require.Equal(t, domain.MsgTypePreKey, typ1)
	require.Equal(t, domain.MsgTypePreKey, typ2)

	pt, err := f.sessions.DecryptPreKey(f.ctx, "bob", password, bob, bobRec, "alice", body1)
	require.NoError(t, err)
	require.Equal(t, []byte("m1"), pt)

	// The second pre-key body reuses the existing session, it must not
	// consume another one-time key or fork the ratchet.
	pt, err = f.sessions.DecryptPreKey(f.ctx, "bob", password, bob, bobRec, "alice", body2)
	require.NoError(t, err)
	require.Equal(t, []byte("m2"), pt)
}

func TestReestablishAfterPeerDropsSession(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.setup(t, "alice")
	bob, bobRec := f.setup(t, "bob")

	// Full establishment in both directions.
	_, body, err := f.sessions.Encrypt(f.ctx, "alice", password, alice, "bob", []byte("hello"))
	require.NoError(t, err)
	_, err = f.sessions.DecryptPreKey(f.ctx, "bob", password, bob, bobRec, "alice", body)
	require.NoError(t, err)
	_, body, err = f.sessions.Encrypt(f.ctx, "bob", password, bob, "alice", []byte("hi"))
	require.NoError(t, err)
	_, err = f.sessions.Decrypt(f.ctx, "alice", password, "bob", domain.MsgTypeRatchet, body)
	require.NoError(t, err)

	// Alice drops her side and starts over. Her next message is a fresh
	// pre-key body carrying the same identity key; bob's held session
	// cannot read it and must be replaced, not left wedged.
	require.NoError(t, f.sessions.Invalidate(f.ctx, "alice", "bob"))
	typ, body, err := f.sessions.Encrypt(f.ctx, "alice", password, alice, "bob", []byte("starting over"))
	require.NoError(t, err)
	require.Equal(t, domain.MsgTypePreKey, typ)

	pt, err := f.sessions.DecryptPreKey(f.ctx, "bob", password, bob, bobRec, "alice", body)
	require.NoError(t, err)
	require.Equal(t, []byte("starting over"), pt)

	// The replacement carries a working ratchet in both directions.
	_, body, err = f.sessions.Encrypt(f.ctx, "bob", password, bob, "alice", []byte("welcome back"))
	require.NoError(t, err)
	pt, err = f.sessions.Decrypt(f.ctx, "alice", password, "bob", domain.MsgTypeRatchet, body)
	require.NoError(t, err)
	require.Equal(t, []byte("welcome back"), pt)
}

func TestOneTimeKeyConsumedOnServer(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.setup(t, "alice")
	f.setup(t, "bob")

	before, err := f.server.FetchAccount(f.ctx, "bob")
	require.NoError(t, err)

	_, _, err = f.sessions.Encrypt(f.ctx, "alice", password, alice, "bob", []byte("hi"))
	require.NoError(t, err)

	after, err := f.server.FetchAccount(f.ctx, "bob")
	require.NoError(t, err)
	require.Len(t, after.OneTimeKeys, len(before.OneTimeKeys)-1)
}

func TestPreKeyReplayFailsAfterKeyRemoval(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.setup(t, "alice")
	bob, bobRec := f.setup(t, "bob")

	_, body, err := f.sessions.Encrypt(f.ctx, "alice", password, alice, "bob", []byte("hi"))
	require.NoError(t, err)

	_, err = f.sessions.DecryptPreKey(f.ctx, "bob", password, bob, bobRec, "alice", body)
	require.NoError(t, err)

	// Drop the session and replay the same pre-key body. The local
	// one-time key is gone, so no second session can be derived.
	require.NoError(t, f.sessions.Invalidate(f.ctx, "bob", "alice"))
	_, err = f.sessions.DecryptPreKey(f.ctx, "bob", password, bob, bobRec, "alice", body)
	require.ErrorIs(t, err, domain.ErrSessionCreationFailed)
}

func TestNoOneTimeKeysLeft(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.setup(t, "alice")
	f.setup(t, "bob")

	// Rotation stand-in: bob republishes with an empty pool.
	_, err := f.server.PublishKeys(f.ctx, "bob", domain.IdentityKeys{Curve25519: "c", Ed25519: "e"}, nil, true)
	require.NoError(t, err)

	_, _, err = f.sessions.Encrypt(f.ctx, "alice", password, alice, "bob", []byte("hi"))
	require.ErrorIs(t, err, domain.ErrNoOneTimeKeys)
}

func TestDecryptWithoutSession(t *testing.T) {
	f := newFixture(t)
	f.setup(t, "alice")

	_, err := f.sessions.Decrypt(f.ctx, "alice", password, "bob", domain.MsgTypeRatchet, "Ym9keQ")
	require.ErrorIs(t, err, domain.ErrNoSession)
}

func TestSessionSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.setup(t, "alice")
	bob, bobRec := f.setup(t, "bob")

	_, body, err := f.sessions.Encrypt(f.ctx, "alice", password, alice, "bob", []byte("m1"))
	require.NoError(t, err)
	_, err = f.sessions.DecryptPreKey(f.ctx, "bob", password, bob, bobRec, "alice", body)
	require.NoError(t, err)

	// A fresh service instance sees only the persisted pickles.
	log := logrus.New()
	log.SetOutput(io.Discard)
	reloaded := New(f.db, f.db, f.server, log)

	typ, body, err := reloaded.Encrypt(f.ctx, "bob", password, bob, "alice", []byte("reply"))
	require.NoError(t, err)
	require.Equal(t, domain.MsgTypeRatchet, typ)

	pt, err := reloaded.Decrypt(f.ctx, "alice", password, "bob", typ, body)
	require.NoError(t, err)
	require.Equal(t, []byte("reply"), pt)
}

func TestCorruptSessionPickleIsDropped(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.setup(t, "alice")
	f.setup(t, "bob")

	_, _, err := f.sessions.Encrypt(f.ctx, "alice", password, alice, "bob", []byte("m1"))
	require.NoError(t, err)

	require.NoError(t, f.db.SaveSession(f.ctx, domain.SessionRecord{
		OwnerID:   "alice",
		PeerID:    "bob",
		Pickle:    []byte("not a pickle"),
		UpdatedAt: time.Now().UTC(),
	}))

	// Fresh instance so the poisoned record is actually read.
	log := logrus.New()
	log.SetOutput(io.Discard)
	reloaded := New(f.db, f.db, f.server, log)

	has, err := reloaded.Lookup(f.ctx, "alice", password, "bob")
	require.ErrorIs(t, err, domain.ErrStoreCorrupt)
	require.False(t, has)

	// The corrupt record was deleted; nothing remains.
	has, err = reloaded.Lookup(f.ctx, "alice", password, "bob")
	require.NoError(t, err)
	require.False(t, has)
}

func TestRecordsPeerKeyVersion(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.setup(t, "alice")
	f.setup(t, "bob")

	_, _, err := f.sessions.Encrypt(f.ctx, "alice", password, alice, "bob", []byte("m1"))
	require.NoError(t, err)

	rec, err := f.sessions.PeerRecord(f.ctx, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, domain.KeyVersion(1), rec.PeerKeyVersion)
	require.NotEmpty(t, rec.PeerIdentityKey)
}
