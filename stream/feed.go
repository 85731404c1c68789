package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gorilla/websocket"

	"github.com/jacentio/tillsync/remote"
)

// FeedSettings tune the websocket client.
type FeedSettings struct {
	// ReconnectTimeout is the wait between connection attempts.
	ReconnectTimeout time.Duration

	// ReadTimeout bounds the silence allowed on a connection. The relay pings
	// more often than this.
	ReadTimeout time.Duration

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
}

// DefaultFeedSettings returns the default client settings.
func DefaultFeedSettings() FeedSettings {
	return FeedSettings{
		ReconnectTimeout: 2 * time.Second,
		ReadTimeout:      60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Feed receives relayed stream batches over a websocket and publishes them
// through a Hub. It reconnects until its context ends.
type Feed struct {
	url      string
	header   http.Header
	hub      *Hub
	settings FeedSettings
	logger   *slog.Logger
	onError  func(error)

	connected atomic.Bool
}

var _ remote.ChangeFeed = (*Feed)(nil)

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithHeader sets request headers sent on every dial, e.g. the tenant token.
func WithHeader(h http.Header) FeedOption {
	return func(f *Feed) { f.header = h }
}

// WithSettings overrides the default settings.
func WithSettings(s FeedSettings) FeedOption {
	return func(f *Feed) { f.settings = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FeedOption {
	return func(f *Feed) { f.logger = l }
}

// WithErrorSink receives dial and read failures.
func WithErrorSink(sink func(error)) FeedOption {
	return func(f *Feed) { f.onError = sink }
}

// NewFeed creates a client for the relay at url.
func NewFeed(url string, hub *Hub, opts ...FeedOption) *Feed {
	f := &Feed{
		url:      url,
		hub:      hub,
		settings: DefaultFeedSettings(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Subscribe registers a subscriber on the underlying hub.
func (f *Feed) Subscribe(ctx context.Context, collection string, filter remote.Filter, onChange func(remote.Change)) (remote.CancelFunc, error) {
	return f.hub.Subscribe(ctx, collection, filter, onChange)
}

// Connected reports whether a relay connection is currently open.
func (f *Feed) Connected() bool {
	return f.connected.Load()
}

// Run connects and reads batches until ctx is done, reconnecting after
// failures. It always returns ctx.Err().
func (f *Feed) Run(ctx context.Context) error {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: f.settings.HandshakeTimeout,
	}

	for {
		ws, _, err := dialer.DialContext(ctx, f.url, f.header)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Info("relay dial failed", "url", f.url, "error", err)
				f.report(fmt.Errorf("dial relay: %w", err))
			}
		} else {
			err = f.serve(ctx, ws)
			if ctx.Err() == nil {
				f.logger.Info("relay connection closed", "url", f.url, "error", err)
				f.report(fmt.Errorf("read relay: %w", err))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.settings.ReconnectTimeout):
		}
	}
}

// serve reads messages until the connection fails or ctx ends.
func (f *Feed) serve(ctx context.Context, ws *websocket.Conn) error {
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	f.connected.Store(true)
	defer f.connected.Store(false)
	f.logger.Info("relay connected", "url", f.url)

	for {
		ws.SetReadDeadline(time.Now().Add(f.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if len(message) == 0 {
			// ping
			continue
		}
		if messageType != websocket.TextMessage {
			f.logger.Debug("relay message ignored", "type", messageType)
			continue
		}

		var batch events.DynamoDBEvent
		if err := json.Unmarshal(message, &batch); err != nil {
			f.logger.Warn("relay batch malformed", "error", err)
			f.report(fmt.Errorf("decode relay batch: %w", err))
			continue
		}
		if err := f.hub.HandleEvent(ctx, batch); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
}

func (f *Feed) report(err error) {
	if f.onError != nil {
		f.onError(err)
	}
}
