package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"chat-sync/internal/observability"
)

// subscribe runs a reconnecting websocket read loop and forwards decoded
// frames until ctx is done. delivered, when set, is called from the loop
// goroutine after each frame is handed to the consumer.
func subscribe[T any](ctx context.Context, c *Client, stream string, endpoint func() (string, error), delivered func(T)) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		policy := backoff.WithContext(c.newBackOff(), ctx)
		for {
			target, err := endpoint()
			if err != nil {
				jww.ERROR.Printf("[Remote] %s stream: %v", stream, err)
				return
			}
			err = c.readStream(ctx, target, policy.Reset, func(data []byte) error {
				var v T
				if err := json.Unmarshal(data, &v); err != nil {
					jww.WARN.Printf("[Remote] %s stream: dropping undecodable frame: %v", stream, err)
					return nil
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return ctx.Err()
				}
				if delivered != nil {
					delivered(v)
				}
				return nil
			})
			if ctx.Err() != nil {
				return
			}
			delay := policy.NextBackOff()
			if delay == backoff.Stop {
				jww.ERROR.Printf("[Remote] %s stream: giving up: %v", stream, err)
				return
			}
			observability.IncRemoteReconnect(stream)
			jww.WARN.Printf("[Remote] %s stream interrupted, reconnecting in %s: %v", stream, delay, err)
			if waitWithContext(ctx, delay) != nil {
				return
			}
		}
	}()
	return out
}

// readStream dials target and hands every text frame to handle until the
// connection fails or ctx is done.
func (c *Client) readStream(ctx context.Context, target string, connected func(), handle func([]byte) error) error {
	header := http.Header{}
	c.setHeaders(header)
	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return errorForStatus(resp.StatusCode, "stream handshake rejected")
		}
		return errorForTransport(err)
	}
	defer conn.Close()
	connected()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(ErrNoConnectivity, err.Error())
		}
		if kind != websocket.TextMessage {
			continue
		}
		if err := handle(data); err != nil {
			return err
		}
	}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
