package transport

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"sipher/internal/domain"
)

const writeTimeout = 5 * time.Second

// Handler is invoked for every valid inbound envelope, in arrival
// order. It must not block for long; slow handlers stall the read loop.
type Handler func(ctx context.Context, env domain.Envelope)

// WS is a websocket connection to the server's relay endpoint.
type WS struct {
	log    *logrus.Logger
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex
}

var _ domain.Transport = (*WS)(nil)

// DialWS connects to the relay endpoint for user and starts the read
// loop. Inbound envelopes are validated before handler sees them;
// malformed frames are dropped with a log line.
func DialWS(ctx context.Context, serverURL string, user domain.UserID, handler Handler, log *logrus.Logger) (*WS, error) {
	if log == nil {
		log = logrus.New()
	}
	if handler == nil {
		handler = func(context.Context, domain.Envelope) {}
	}
	conn, _, err := websocket.Dial(ctx, serverURL+"/ws/"+url.PathEscape(user.String()), nil)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t := &WS{
		log:    log,
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.readLoop(loopCtx, handler)
	return t, nil
}

func (t *WS) readLoop(ctx context.Context, handler Handler) {
	defer close(t.done)
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.log.WithError(err).Info("connection closed")
			}
			return
		}
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.WithError(err).Warn("dropping malformed frame")
			continue
		}
		if err := env.Validate(); err != nil {
			t.log.WithError(err).Warn("dropping invalid envelope")
			continue
		}
		handler(ctx, env)
	}
}

// Send writes one envelope to the server. Safe for concurrent use.
func (t *WS) Send(ctx context.Context, env domain.OutboundEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(wctx, websocket.MessageText, b)
}

// Close stops the read loop and closes the connection.
func (t *WS) Close() error {
	t.cancel()
	err := t.conn.Close(websocket.StatusNormalClosure, "bye")
	<-t.done
	return err
}
