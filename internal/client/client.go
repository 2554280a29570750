package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sipher/internal/domain"
	"sipher/internal/protocol/e2ee"
	"sipher/internal/services/account"
	"sipher/internal/services/keysync"
	"sipher/internal/services/session"
)

// Client drives one user's end-to-end encrypted messaging. Inbound
// envelopes that arrive before Unlock are queued and drained in arrival
// order once the account is available.
type Client struct {
	owner    domain.UserID
	accounts *account.Service
	sessions *session.Service
	keysync  *keysync.Service
	sink     domain.MessageSink
	log      *logrus.Logger

	// mu serializes unlock, inbound handling, and the drain so queued
	// envelopes are never reordered against live ones.
	mu       sync.Mutex
	password string
	acct     *e2ee.Account
	acctRec  domain.AccountRecord
	ready    bool
	pending  queue

	transport domain.Transport
}

// New constructs a locked client for owner. Call Unlock before Send;
// inbound envelopes are queued until then.
func New(owner domain.UserID, accounts *account.Service, sessions *session.Service, ks *keysync.Service, sink domain.MessageSink, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.New()
	}
	return &Client{
		owner:    owner,
		accounts: accounts,
		sessions: sessions,
		keysync:  ks,
		sink:     sink,
		log:      log,
	}
}

// SetTransport attaches the transport used for outbound envelopes.
func (c *Client) SetTransport(t domain.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = t
}

// Unlock loads the account under password and drains the queue. Each
// queued envelope is processed in arrival order; one that fails to
// decrypt is logged and skipped, it never blocks the rest.
func (c *Client) Unlock(ctx context.Context, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready {
		return nil
	}
	acct, rec, err := c.accounts.Load(ctx, c.owner, password)
	if err != nil {
		return err
	}
	c.password = password
	c.acct = acct
	c.acctRec = rec
	c.ready = true

	queued := c.pending.takeAll()
	if len(queued) > 0 {
		c.log.WithField("count", len(queued)).Info("draining queued envelopes")
	}
	for _, env := range queued {
		if err := c.process(ctx, env); err != nil {
			c.log.WithError(err).WithField("from", env.SenderID).Warn("dropping queued envelope")
		}
	}
	return nil
}

// Ready reports whether the account is unlocked.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// HandleEnvelope is the transport handler. Envelopes are validated by
// the transport before they reach here.
func (c *Client) HandleEnvelope(ctx context.Context, env domain.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		c.pending.push(env)
		c.log.WithFields(logrus.Fields{"from": env.SenderID, "queued": c.pending.len()}).Debug("account locked, envelope queued")
		return
	}
	if err := c.process(ctx, env); err != nil {
		c.log.WithError(err).WithField("from", env.SenderID).Warn("dropping envelope")
	}
}

// process decrypts one envelope and hands the plaintext to the sink.
// Callers hold c.mu.
func (c *Client) process(ctx context.Context, env domain.Envelope) error {
	var (
		pt  []byte
		err error
	)
	switch env.Type {
	case domain.MsgTypePreKey:
		// A pre-key body that the held session cannot read replaces the
		// session inside DecryptPreKey. A failure here means the body
		// never authenticated, so the held session stays untouched.
		pt, err = c.sessions.DecryptPreKey(ctx, c.owner, c.password, c.acct, c.acctRec, env.SenderID, env.Body)
	case domain.MsgTypeRatchet:
		pt, err = c.sessions.Decrypt(ctx, c.owner, c.password, env.SenderID, env.Type, env.Body)
		if errors.Is(err, domain.ErrDecryptFailed) {
			// The ratchet states have diverged and will never re-align.
			// Drop the session so the next exchange starts clean.
			if ierr := c.sessions.Invalidate(ctx, c.owner, env.SenderID); ierr != nil {
				c.log.WithError(ierr).WithField("peer", env.SenderID).Warn("session invalidation failed")
			}
		}
	default:
		err = fmt.Errorf("%w: type %d", domain.ErrInvalidEnvelope, env.Type)
	}
	if err != nil {
		return err
	}
	return c.sink.Store(ctx, domain.DecryptedMessage{
		From:       env.SenderID,
		Plaintext:  pt,
		ReceivedAt: time.Now().UTC(),
	})
}

// Send encrypts plaintext for peer and hands the envelope to the
// transport, establishing a session first when needed.
func (c *Client) Send(ctx context.Context, peer domain.UserID, plaintext []byte) error {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return errors.New("account is locked")
	}
	// Check the transport before touching the session: encrypting
	// advances the sending chain and may claim a one-time key, neither
	// of which can be undone if there is nowhere to send the result.
	if c.transport == nil {
		c.mu.Unlock()
		return errors.New("no transport attached")
	}
	password, acct, transport := c.password, c.acct, c.transport
	c.mu.Unlock()

	msgType, body, err := c.sessions.Encrypt(ctx, c.owner, password, acct, peer, plaintext)
	if err != nil {
		return err
	}
	return transport.Send(ctx, domain.OutboundEnvelope{To: peer, Type: msgType, Body: body})
}

// CheckKeys runs one key synchronization pass over all peers.
func (c *Client) CheckKeys(ctx context.Context) ([]keysync.Mismatch, error) {
	return c.keysync.CheckAll(ctx, c.owner)
}

// StartKeySync launches the periodic key check in the background. It
// stops when ctx is cancelled.
func (c *Client) StartKeySync(ctx context.Context, interval time.Duration) {
	go c.keysync.Run(ctx, c.owner, interval, func(m keysync.Mismatch) {
		c.log.WithFields(logrus.Fields{
			"peer":        m.Peer,
			"old_version": m.OldVersion,
			"new_version": m.NewVersion,
		}).Warn("peer rotated keys, session dropped")
	})
}

// Close shuts down the transport, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()

	// Closing outside the lock: a websocket close waits for its read
	// loop, and the read loop may be blocked on c.mu in HandleEnvelope.
	if transport == nil {
		return nil
	}
	return transport.Close()
}
