package httpapi

import (
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/offlinekit/localsync/internal/localstore"
)

// watchEvent is the wire form of a change notification. Values are raw JSON
// payloads, not envelopes.
type watchEvent struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	OldValue  any    `json:"oldValue,omitempty"`
	NewValue  any    `json:"newValue,omitempty"`
	Origin    string `json:"origin,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// handleWatch upgrades to a websocket and streams change events for one
// namespace (optionally one key) until the client disconnects. Events that
// arrive faster than the client drains are dropped rather than blocking
// publishers.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	namespace := strings.TrimSpace(r.URL.Query().Get("namespace"))
	if namespace == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing namespace query parameter")
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("key"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	events := make(chan localstore.ChangeEvent, 64)
	sub := s.store.Bus().Subscribe(namespace, key, func(ev localstore.ChangeEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "done")
			return
		case ev := <-events:
			msg := watchEvent{
				Namespace: ev.Namespace,
				Key:       ev.Key,
				Origin:    ev.Origin,
				Deleted:   ev.Deleted,
			}
			if len(ev.OldValue) > 0 {
				msg.OldValue = rawJSON(ev.OldValue)
			}
			if len(ev.NewValue) > 0 {
				msg.NewValue = rawJSON(ev.NewValue)
			}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	return []byte(r), nil
}
