package connection

import (
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"collabtext/internal/codec"
)

// IdentityHeader carries the user authenticated by the fronting proxy.
const IdentityHeader = "X-Authenticated-User"

// Handler upgrades requests routed as /ws/{document} and serves them until
// the connection closes.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := mux.Vars(r)["document"]
		if doc == "" {
			http.Error(w, "missing document id", http.StatusBadRequest)
			return
		}
		identity := r.Header.Get(IdentityHeader)

		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			glog.V(1).Infof("[conn] %s: upgrade: %v", doc, err)
			return
		}
		limit := m.opts.Codec.MaxFrameSize
		if limit <= 0 {
			limit = codec.DefaultMaxFrameSize
		}
		_ = m.Serve(r.Context(), NewWebsocketTransport(conn, limit), codec.DocumentID(doc), identity)
	})
}

// Route registers the websocket endpoint on r.
func (m *Manager) Route(r *mux.Router) {
	r.Handle("/ws/{document}", m.Handler())
}
