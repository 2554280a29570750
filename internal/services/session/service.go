package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"sipher/internal/domain"
	"sipher/internal/protocol/e2ee"
)

// entry is a live session plus the metadata persisted alongside it.
type entry struct {
	sess            *e2ee.Session
	peerKeyVersion  domain.KeyVersion
	peerIdentityKey string
}

type pairKey struct {
	owner domain.UserID
	peer  domain.UserID
}

// Service owns the pairwise session lifecycle.
type Service struct {
	sessions domain.SessionStore
	accounts domain.AccountStore
	server   domain.KeyServerClient
	log      *logrus.Logger

	group singleflight.Group

	mu    sync.Mutex
	cache map[pairKey]*entry
	locks map[pairKey]*sync.Mutex
}

// New constructs a session service.
func New(sessions domain.SessionStore, accounts domain.AccountStore, server domain.KeyServerClient, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		sessions: sessions,
		accounts: accounts,
		server:   server,
		log:      log,
		cache:    make(map[pairKey]*entry),
		locks:    make(map[pairKey]*sync.Mutex),
	}
}

// Encrypt encrypts plaintext for peer, establishing an outbound session
// first if none exists. The advanced session is persisted before the
// ciphertext is returned.
func (s *Service) Encrypt(ctx context.Context, owner domain.UserID, password string, acct *e2ee.Account, peer domain.UserID, plaintext []byte) (domain.MsgType, string, error) {
	unlock := s.lockPeer(owner, peer)
	defer unlock()

	e, err := s.getOrCreate(ctx, owner, password, acct, peer)
	if err != nil {
		return 0, "", err
	}
	msgType, body, err := e.sess.Encrypt(plaintext)
	if err != nil {
		return 0, "", err
	}
	if err := s.persist(ctx, owner, password, peer, e); err != nil {
		return 0, "", err
	}
	return domain.MsgType(msgType), body, nil
}

// Decrypt opens a ratcheted (type 1) body on the established session
// with peer. Missing sessions report ErrNoSession; any ratchet failure
// reports ErrDecryptFailed and leaves the persisted state untouched.
func (s *Service) Decrypt(ctx context.Context, owner domain.UserID, password string, peer domain.UserID, msgType domain.MsgType, body string) ([]byte, error) {
	unlock := s.lockPeer(owner, peer)
	defer unlock()

	e, err := s.lookup(ctx, owner, password, peer)
	if err != nil {
		return nil, err
	}
	pt, err := e.sess.Decrypt(int(msgType), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryptFailed, err)
	}
	if err := s.persist(ctx, owner, password, peer, e); err != nil {
		return nil, err
	}
	return pt, nil
}

// DecryptPreKey handles a type-0 body: it derives an inbound session,
// retires the consumed one-time key, persists everything, and returns
// the first plaintext. A duplicate pre-key message from a peer we
// already hold a session with (same identity key) is decrypted on the
// existing session; when that fails the peer has dropped its side and
// re-keyed, so a fresh inbound session replaces the old one. The old
// session is only discarded once the replacement authenticates, so a
// forged body cannot knock out a healthy session.
func (s *Service) DecryptPreKey(ctx context.Context, owner domain.UserID, password string, acct *e2ee.Account, acctRec domain.AccountRecord, peer domain.UserID, body string) ([]byte, error) {
	unlock := s.lockPeer(owner, peer)
	defer unlock()

	senderIdentity, err := e2ee.PreKeyIdentity(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryptFailed, err)
	}

	existing, lookupErr := s.lookup(ctx, owner, password, peer)
	if lookupErr != nil && !errors.Is(lookupErr, domain.ErrNoSession) {
		return nil, lookupErr
	}
	if lookupErr == nil && existing.peerIdentityKey == senderIdentity {
		pt, err := existing.sess.Decrypt(e2ee.MessageTypePreKey, body)
		if err == nil {
			if err := s.persist(ctx, owner, password, peer, existing); err != nil {
				return nil, err
			}
			return pt, nil
		}
		s.log.WithFields(logrus.Fields{"owner": owner, "peer": peer}).Info("pre-key message does not match held session, re-establishing")
	} else if lookupErr == nil {
		// The peer re-keyed; the old session can never decrypt this.
		s.log.WithFields(logrus.Fields{"owner": owner, "peer": peer}).Info("peer identity changed, replacing session")
	}

	sess, err := e2ee.NewInboundSession(acct, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSessionCreationFailed, err)
	}
	pt, err := sess.Decrypt(e2ee.MessageTypePreKey, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryptFailed, err)
	}

	// The consumed one-time key must never serve a second handshake.
	acct.RemoveOneTimeKeys(sess)
	if err := s.saveAccount(ctx, owner, password, acct, acctRec); err != nil {
		return nil, err
	}

	e := &entry{sess: sess, peerIdentityKey: senderIdentity}
	if info, err := s.server.GetKeyVersion(ctx, peer); err == nil {
		e.peerKeyVersion = info.KeyVersion
	} else {
		s.log.WithError(err).WithField("peer", peer).Debug("peer key version unavailable at establishment")
	}
	if err := s.persist(ctx, owner, password, peer, e); err != nil {
		return nil, err
	}
	s.setCached(owner, peer, e)
	return pt, nil
}

// Lookup returns whether an established or pending session exists with
// peer, without creating one.
func (s *Service) Lookup(ctx context.Context, owner domain.UserID, password string, peer domain.UserID) (bool, error) {
	unlock := s.lockPeer(owner, peer)
	defer unlock()

	_, err := s.lookup(ctx, owner, password, peer)
	if errors.Is(err, domain.ErrNoSession) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PeerRecord returns the stored metadata for the session with peer.
func (s *Service) PeerRecord(ctx context.Context, owner, peer domain.UserID) (domain.SessionRecord, error) {
	return s.sessions.LoadSession(ctx, owner, peer)
}

// Invalidate drops the session with peer from cache and store. The next
// outbound message establishes a fresh session.
func (s *Service) Invalidate(ctx context.Context, owner, peer domain.UserID) error {
	s.mu.Lock()
	delete(s.cache, pairKey{owner, peer})
	s.mu.Unlock()
	if err := s.sessions.DeleteSession(ctx, owner, peer); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// Reset drops every cached session for owner. Call after rotation, when
// the persisted sessions are already gone.
func (s *Service) Reset(owner domain.UserID) {
	s.mu.Lock()
	for k := range s.cache {
		if k.owner == owner {
			delete(s.cache, k)
		}
	}
	s.mu.Unlock()
}

// getOrCreate returns the session with peer, establishing an outbound
// one when none exists. Concurrent establishment attempts for the same
// pair collapse onto one network round trip.
func (s *Service) getOrCreate(ctx context.Context, owner domain.UserID, password string, acct *e2ee.Account, peer domain.UserID) (*entry, error) {
	if e, ok := s.cached(owner, peer); ok {
		return e, nil
	}

	v, err, _ := s.group.Do(owner.String()+"|"+peer.String(), func() (any, error) {
		if e, ok := s.cached(owner, peer); ok {
			return e, nil
		}
		e, err := s.lookup(ctx, owner, password, peer)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, domain.ErrNoSession) {
			return nil, err
		}
		return s.establishOutbound(ctx, owner, password, acct, peer)
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

func (s *Service) establishOutbound(ctx context.Context, owner domain.UserID, password string, acct *e2ee.Account, peer domain.UserID) (*entry, error) {
	pub, err := s.server.FetchAccount(ctx, peer)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: peer %s has no published keys", domain.ErrSessionCreationFailed, peer)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrSessionCreationFailed, err)
	}
	if len(pub.OneTimeKeys) == 0 {
		return nil, fmt.Errorf("%w: peer %s", domain.ErrNoOneTimeKeys, peer)
	}
	otk := pub.OneTimeKeys[0]

	sess, err := e2ee.NewOutboundSession(acct, pub.IdentityKey.Curve25519, e2ee.OneTimeKeyPublic{
		ID:        otk.ID.String(),
		PublicKey: otk.PublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSessionCreationFailed, err)
	}

	// Claim the key server side. Losing this race only means another
	// initiator used the same key; the responder resolves it when the
	// second pre-key message fails and a fresh session is established.
	if err := s.server.ConsumeOneTimeKey(ctx, peer, otk.ID); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"peer": peer, "key_id": otk.ID}).Warn("one-time key consumption failed")
	}

	e := &entry{
		sess:            sess,
		peerKeyVersion:  pub.KeyVersion,
		peerIdentityKey: pub.IdentityKey.Curve25519,
	}
	if err := s.persist(ctx, owner, password, peer, e); err != nil {
		return nil, err
	}
	s.setCached(owner, peer, e)
	s.log.WithFields(logrus.Fields{"owner": owner, "peer": peer, "peer_version": pub.KeyVersion}).Info("outbound session established")
	return e, nil
}

// lookup returns the cached or persisted session with peer. A pickle
// that no longer opens is treated as corrupt: the record is deleted so
// the next send re-establishes, and the failure is reported.
func (s *Service) lookup(ctx context.Context, owner domain.UserID, password string, peer domain.UserID) (*entry, error) {
	if e, ok := s.cached(owner, peer); ok {
		return e, nil
	}
	rec, err := s.sessions.LoadSession(ctx, owner, peer)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoSession, peer)
	}
	if err != nil {
		return nil, err
	}
	sess, err := e2ee.UnpickleSession(rec.Pickle, password)
	if err != nil {
		if errors.Is(err, e2ee.ErrWrongPickleKey) {
			return nil, domain.ErrWrongPassword
		}
		s.log.WithFields(logrus.Fields{"owner": owner, "peer": peer}).Warn("session pickle corrupt, dropping")
		if derr := s.sessions.DeleteSession(ctx, owner, peer); derr != nil && !errors.Is(derr, domain.ErrNotFound) {
			return nil, derr
		}
		return nil, fmt.Errorf("%w: session with %s", domain.ErrStoreCorrupt, peer)
	}
	e := &entry{
		sess:            sess,
		peerKeyVersion:  rec.PeerKeyVersion,
		peerIdentityKey: rec.PeerIdentityKey,
	}
	s.setCached(owner, peer, e)
	return e, nil
}

func (s *Service) persist(ctx context.Context, owner domain.UserID, password string, peer domain.UserID, e *entry) error {
	pickle, err := e.sess.Pickle(password)
	if err != nil {
		return err
	}
	return s.sessions.SaveSession(ctx, domain.SessionRecord{
		OwnerID:         owner,
		PeerID:          peer,
		Pickle:          pickle,
		PeerKeyVersion:  e.peerKeyVersion,
		PeerIdentityKey: e.peerIdentityKey,
		UpdatedAt:       time.Now().UTC(),
	})
}

func (s *Service) saveAccount(ctx context.Context, owner domain.UserID, password string, acct *e2ee.Account, rec domain.AccountRecord) error {
	pickle, err := acct.Pickle(password)
	if err != nil {
		return err
	}
	rec.Pickle = pickle
	rec.UpdatedAt = time.Now().UTC()
	return s.accounts.SaveAccount(ctx, rec)
}

func (s *Service) cached(owner, peer domain.UserID) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[pairKey{owner, peer}]
	return e, ok
}

func (s *Service) setCached(owner, peer domain.UserID, e *entry) {
	s.mu.Lock()
	s.cache[pairKey{owner, peer}] = e
	s.mu.Unlock()
}

// lockPeer serializes every ratchet mutation for one (owner, peer)
// pair. Ratchet state is strictly ordered; two interleaved encrypts
// would fork the chain.
func (s *Service) lockPeer(owner, peer domain.UserID) func() {
	s.mu.Lock()
	k := pairKey{owner, peer}
	m, ok := s.locks[k]
	if !ok {
		m = &sync.Mutex{}
		s.locks[k] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}
