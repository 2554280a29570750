package keyserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"sipher/internal/domain"
)

const (
	sendQueueSize = 64
	writeTimeout  = 5 * time.Second
	maxFrameBytes = 1 << 20
)

// storedAccount is a user's server-side key material. One-time keys are
// removed on consumption and never restored.
type storedAccount struct {
	identity  domain.IdentityKeys
	otks      []domain.OneTimeKey
	version   domain.KeyVersion
	updatedAt time.Time
}

// wsClient is one connected user's delivery queue. The writer pump owns
// the websocket connection for writes.
type wsClient struct {
	send chan domain.Envelope
	done chan struct{}
}

// Server is the in-memory key server and envelope relay. It stores only
// public key material, key versions, and forwards ciphertext between
// connected users. Envelopes addressed to users without an open
// connection are dropped.
type Server struct {
	log *logrus.Logger
	mux *http.ServeMux

	mu       sync.RWMutex
	accounts map[domain.UserID]*storedAccount

	connMu sync.Mutex
	conns  map[domain.UserID]*wsClient
}

// NewServer returns a server with empty state.
func NewServer(log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{
		log:      log,
		accounts: make(map[domain.UserID]*storedAccount),
		conns:    make(map[domain.UserID]*wsClient),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /keys/{user}", s.handlePublish)
	mux.HandleFunc("GET /keys/{user}", s.handleFetchAccount)
	mux.HandleFunc("GET /keys/{user}/version", s.handleKeyVersion)
	mux.HandleFunc("POST /keys/{user}/otks/{id}/consume", s.handleConsume)
	mux.HandleFunc("GET /ws/{user}", s.handleWS)
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(r.PathValue("user"))
	force := r.URL.Query().Get("force") != ""

	defer r.Body.Close()
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	acc, ok := s.accounts[user]
	if ok && !force {
		s.mu.Unlock()
		http.Error(w, "account already registered", http.StatusConflict)
		return
	}
	var version domain.KeyVersion
	if ok {
		version = acc.version + 1
	} else {
		version = 1
	}
	s.accounts[user] = &storedAccount{
		identity:  req.IdentityKey,
		otks:      append([]domain.OneTimeKey(nil), req.OneTimeKeys...),
		version:   version,
		updatedAt: time.Now().UTC(),
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"user":    user,
		"version": version,
		"otks":    len(req.OneTimeKeys),
		"force":   force,
	}).Info("keys published")

	writeJSON(w, publishResponse{KeyVersion: version})
}

func (s *Server) handleFetchAccount(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(r.PathValue("user"))

	s.mu.RLock()
	acc, ok := s.accounts[user]
	if !ok {
		s.mu.RUnlock()
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	out := domain.PublishedAccount{
		UserID:      user,
		IdentityKey: acc.identity,
		OneTimeKeys: append([]domain.OneTimeKey(nil), acc.otks...),
		KeyVersion:  acc.version,
	}
	s.mu.RUnlock()

	writeJSON(w, out)
}

func (s *Server) handleKeyVersion(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(r.PathValue("user"))

	s.mu.RLock()
	acc, ok := s.accounts[user]
	if !ok {
		s.mu.RUnlock()
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	out := domain.PeerKeyInfo{
		KeyVersion:  acc.version,
		IdentityKey: acc.identity,
		UpdatedAt:   acc.updatedAt,
	}
	s.mu.RUnlock()

	writeJSON(w, out)
}

// handleConsume removes a one-time key under the write lock so that two
// concurrent consumers of the same key id can never both succeed.
func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(r.PathValue("user"))
	keyID := domain.KeyID(r.PathValue("id"))

	s.mu.Lock()
	acc, ok := s.accounts[user]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	idx := -1
	for i, k := range acc.otks {
		if k.ID == keyID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		http.Error(w, "unknown or consumed key", http.StatusNotFound)
		return
	}
	acc.otks = append(acc.otks[:idx], acc.otks[idx+1:]...)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"user": user, "key_id": keyID}).Debug("one-time key consumed")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(r.PathValue("user"))
	if user == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket accept failed")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	client := &wsClient{
		send: make(chan domain.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
	s.register(user, client)
	defer func() {
		s.unregister(user, client)
		close(client.done)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.done:
				return
			case env := <-client.send:
				b, err := json.Marshal(env)
				if err != nil {
					continue
				}
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err = conn.Write(wctx, websocket.MessageText, b)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var out domain.OutboundEnvelope
		if err := json.Unmarshal(data, &out); err != nil {
			s.log.WithError(err).Warn("dropping malformed frame")
			continue
		}
		if err := out.Validate(); err != nil {
			s.log.WithError(err).WithField("from", user).Warn("dropping invalid envelope")
			continue
		}
		s.deliver(user, out)
	}
}

// deliver forwards an envelope to the recipient's queue. Offline
// recipients and full queues both drop the envelope; delivery is best
// effort and callers re-establish sessions when messages are lost.
func (s *Server) deliver(from domain.UserID, out domain.OutboundEnvelope) {
	env := domain.Envelope{Type: out.Type, Body: out.Body, SenderID: from}

	s.connMu.Lock()
	client, ok := s.conns[out.To]
	s.connMu.Unlock()
	if !ok {
		s.log.WithFields(logrus.Fields{"from": from, "to": out.To}).Debug("recipient offline, dropping")
		return
	}
	select {
	case client.send <- env:
	default:
		s.log.WithField("to", out.To).Warn("send queue full, dropping")
	}
}

func (s *Server) register(user domain.UserID, c *wsClient) {
	s.connMu.Lock()
	s.conns[user] = c
	s.connMu.Unlock()
	s.log.WithField("user", user).Info("connected")
}

func (s *Server) unregister(user domain.UserID, c *wsClient) {
	s.connMu.Lock()
	if s.conns[user] == c {
		delete(s.conns, user)
	}
	s.connMu.Unlock()
	s.log.WithField("user", user).Info("disconnected")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
