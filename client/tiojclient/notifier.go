package tiojclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/ntuicpc/tioj-judge/client"
	"go.uber.org/zap"
)

var _ client.Notifier = &Notifier{}

// Notifier listens on the server websocket and signals on every message
type Notifier struct {
	url    string
	header http.Header
	c      chan struct{}
	logger *zap.Logger

	maxInterval time.Duration
}

// NewNotifier creates the notifier for the server at serverURL
func NewNotifier(serverURL, key string, logger *zap.Logger) (*Notifier, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/") + "/cable")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid server url %q: unsupported scheme", serverURL)
	}
	q := u.Query()
	q.Set("key", key)
	u.RawQuery = q.Encode()

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		url:         u.String(),
		header:      make(http.Header),
		c:           make(chan struct{}, 1),
		logger:      logger,
		maxInterval: time.Minute,
	}, nil
}

// C returns the wake-up channel
func (n *Notifier) C() <-chan struct{} {
	return n.c
}

// Run keeps the connection alive until ctx is done
func (n *Notifier) Run(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxInterval = n.maxInterval
	eb.MaxElapsedTime = 0

	for {
		connected, err := n.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			eb.Reset()
		}
		d := eb.NextBackOff()
		n.logger.Info("notification connection lost, reconnecting", zap.Duration("after", d), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}

func (n *Notifier) listen(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, n.url, n.header)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	n.logger.Info("notification connected")

	// wake up once after (re)connect in case something was missed
	n.signal()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return true, err
		}
		n.signal()
	}
}

func (n *Notifier) signal() {
	select {
	case n.c <- struct{}{}:
	default:
	}
}
