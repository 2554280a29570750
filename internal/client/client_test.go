package client

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"sipher/internal/domain"
	"sipher/internal/keyserver"
	"sipher/internal/services/account"
	"sipher/internal/services/keysync"
	"sipher/internal/services/session"
	"sipher/internal/store"
	"sipher/internal/transport"
)

const password = "hunter2"

type memSink struct {
	mu   sync.Mutex
	msgs []domain.DecryptedMessage
}

func (s *memSink) Store(_ context.Context, msg domain.DecryptedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *memSink) plaintexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, string(m.Plaintext))
	}
	return out
}

type fixture struct {
	ctx      context.Context
	accounts *account.Service
	sessions *session.Service
	keysync  *keysync.Service
	bus      *transport.Bus
	log      *logrus.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	srv := httptest.NewServer(keyserver.NewServer(log))
	t.Cleanup(srv.Close)
	ks := keyserver.NewHTTP(srv.URL)

	db, err := store.Open(filepath.Join(t.TempDir(), "sipher.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sessions := session.New(db, db, ks, log)
	return &fixture{
		ctx:      context.Background(),
		accounts: account.New(db, db, ks, log),
		sessions: sessions,
		keysync:  keysync.New(db, ks, sessions, log),
		bus:      transport.NewBus(),
		log:      log,
	}
}

// user registers an account on the server and wires a client onto the
// bus. The client starts locked.
func (f *fixture) user(t *testing.T, id domain.UserID) (*Client, *memSink) {
	t.Helper()
	_, err := f.accounts.Create(f.ctx, id, password)
	require.NoError(t, err)
	_, err = f.accounts.Publish(f.ctx, id, password, false)
	require.NoError(t, err)

	sink := &memSink{}
	c := New(id, f.accounts, f.sessions, f.keysync, sink, f.log)
	c.SetTransport(f.bus.Client(id, c.HandleEnvelope))
	return c, sink
}

func TestLiveRoundTrip(t *testing.T) {
	f := newFixture(t)
	alice, aliceSink := f.user(t, "alice")
	bob, bobSink := f.user(t, "bob")
	require.NoError(t, alice.Unlock(f.ctx, password))
	require.NoError(t, bob.Unlock(f.ctx, password))

	require.NoError(t, alice.Send(f.ctx, "bob", []byte("hello")))
	require.Equal(t, []string{"hello"}, bobSink.plaintexts())

	require.NoError(t, bob.Send(f.ctx, "alice", []byte("world")))
	require.Equal(t, []string{"world"}, aliceSink.plaintexts())
}

func TestQueueDrainsInArrivalOrder(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.user(t, "alice")
	bob, bobSink := f.user(t, "bob")
	require.NoError(t, alice.Unlock(f.ctx, password))

	// Bob is still locked, so these stack up in his queue.
	require.NoError(t, alice.Send(f.ctx, "bob", []byte("m1")))
	require.NoError(t, alice.Send(f.ctx, "bob", []byte("m2")))
	require.NoError(t, alice.Send(f.ctx, "bob", []byte("m3")))
	require.Empty(t, bobSink.plaintexts())

	require.NoError(t, bob.Unlock(f.ctx, password))
	require.Equal(t, []string{"m1", "m2", "m3"}, bobSink.plaintexts())
}

func TestDrainSkipsUndecryptableEnvelope(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.user(t, "alice")
	bob, bobSink := f.user(t, "bob")
	require.NoError(t, alice.Unlock(f.ctx, password))

	require.NoError(t, alice.Send(f.ctx, "bob", []byte("m1")))
	bob.HandleEnvelope(f.ctx, domain.Envelope{
		Type:     domain.MsgTypePreKey,
		Body:     "bm90IGEgcmVhbCBib2R5",
		SenderID: "mallory",
	})
	require.NoError(t, alice.Send(f.ctx, "bob", []byte("m2")))

	require.NoError(t, bob.Unlock(f.ctx, password))
	require.Equal(t, []string{"m1", "m2"}, bobSink.plaintexts())
}

func TestSendWhileLocked(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.user(t, "alice")

	err := alice.Send(f.ctx, "bob", []byte("hello"))
	require.Error(t, err)
}

func TestRatchetDivergenceInvalidatesSession(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.user(t, "alice")
	bob, bobSink := f.user(t, "bob")
	require.NoError(t, alice.Unlock(f.ctx, password))
	require.NoError(t, bob.Unlock(f.ctx, password))

	require.NoError(t, alice.Send(f.ctx, "bob", []byte("hello")))
	require.Len(t, bobSink.plaintexts(), 1)

	// A ratcheted body the session can never open.
	bob.HandleEnvelope(f.ctx, domain.Envelope{
		Type:     domain.MsgTypeRatchet,
		Body:     "Z2FyYmFnZQ==",
		SenderID: "alice",
	})

	has, err := f.sessions.Lookup(f.ctx, "bob", password, "alice")
	require.NoError(t, err)
	require.False(t, has)
}

func TestSessionRecoversAfterLocalDrop(t *testing.T) {
	f := newFixture(t)
	alice, aliceSink := f.user(t, "alice")
	bob, bobSink := f.user(t, "bob")
	require.NoError(t, alice.Unlock(f.ctx, password))
	require.NoError(t, bob.Unlock(f.ctx, password))

	require.NoError(t, alice.Send(f.ctx, "bob", []byte("hello")))
	require.NoError(t, bob.Send(f.ctx, "alice", []byte("world")))

	// Alice loses her session (corrupt pickle, reinstall, manual reset)
	// while bob still holds his. Her next message re-runs the handshake
	// and bob must adopt the replacement instead of rejecting it.
	require.NoError(t, f.sessions.Invalidate(f.ctx, "alice", "bob"))
	require.NoError(t, alice.Send(f.ctx, "bob", []byte("anyone there?")))
	require.Equal(t, []string{"hello", "anyone there?"}, bobSink.plaintexts())

	require.NoError(t, bob.Send(f.ctx, "alice", []byte("still here")))
	require.Equal(t, []string{"world", "still here"}, aliceSink.plaintexts())
}

func TestSendWithoutTransportLeavesSessionUntouched(t *testing.T) {
	f := newFixture(t)
	_, _ = f.user(t, "bob")

	_, err := f.accounts.Create(f.ctx, "carol", password)
	require.NoError(t, err)
	_, err = f.accounts.Publish(f.ctx, "carol", password, false)
	require.NoError(t, err)
	carol := New("carol", f.accounts, f.sessions, f.keysync, &memSink{}, f.log)
	require.NoError(t, carol.Unlock(f.ctx, password))

	// No transport attached yet: the send must fail before a handshake
	// claims one of bob's one-time keys.
	require.Error(t, carol.Send(f.ctx, "bob", []byte("hello")))
	has, err := f.sessions.Lookup(f.ctx, "carol", password, "bob")
	require.NoError(t, err)
	require.False(t, has)

	carol.SetTransport(f.bus.Client("carol", carol.HandleEnvelope))
	require.NoError(t, carol.Send(f.ctx, "bob", []byte("hello")))
}

func TestSetTransportDuringSends(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.user(t, "alice")
	bob, bobSink := f.user(t, "bob")
	require.NoError(t, alice.Unlock(f.ctx, password))
	require.NoError(t, bob.Unlock(f.ctx, password))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			alice.SetTransport(f.bus.Client("alice", alice.HandleEnvelope))
		}
	}()
	for i := 0; i < 20; i++ {
		require.NoError(t, alice.Send(f.ctx, "bob", []byte("ping")))
	}
	<-done
	require.Len(t, bobSink.plaintexts(), 20)
}

func TestKeySyncDropsStaleSession(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.user(t, "alice")
	_, _ = f.user(t, "bob")
	require.NoError(t, alice.Unlock(f.ctx, password))

	require.NoError(t, alice.Send(f.ctx, "bob", []byte("hello")))

	_, err := f.accounts.Rotate(f.ctx, "bob", password)
	require.NoError(t, err)

	mismatches, err := alice.CheckKeys(f.ctx)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	require.Equal(t, domain.UserID("bob"), mismatches[0].Peer)

	has, err := f.sessions.Lookup(f.ctx, "alice", password, "bob")
	require.NoError(t, err)
	require.False(t, has)
}
