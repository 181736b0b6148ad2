package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// RunWS subscribes to newHeads on the EVM websocket endpoint and nudges the
// sweep loop on every block. Reconnects forever with a short backoff.
func (w *Worker) RunWS(ctx context.Context) {
	if w.WSEndpoint == "" {
		w.Logger.Info().Msg("ws disabled: no endpoint configured")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.subscribeHeads(ctx); err != nil {
			w.Logger.Warn().Err(err).Str("endpoint", w.WSEndpoint).Msg("ws connection lost")
		}
		time.Sleep(3 * time.Second)
	}
}

func (w *Worker) subscribeHeads(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.WSEndpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// ReadMessage does not observe ctx; closing the conn unblocks it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []any{"newHeads"},
	}); err != nil {
		return err
	}
	w.Logger.Info().Str("endpoint", w.WSEndpoint).Msg("ws subscribed to newHeads")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env struct {
			Method string `json:"method"`
			Params struct {
				Result struct {
					Number string `json:"number"`
				} `json:"result"`
			} `json:"params"`
		}
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}
		if env.Method != "eth_subscription" {
			continue
		}

		select {
		case w.heads <- struct{}{}:
		default:
		}
	}
}
