package server

import (
	"bytes"
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/MaxtuneLee/webcodecs-container/internal/export"
	"github.com/MaxtuneLee/webcodecs-container/internal/mux"
)

// wsStatus is the final text message of a WebSocket export
type wsStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleExportWebSocket expects the base and effect files as the first two
// binary messages, then streams output boxes as binary messages and ends
// with a wsStatus text message. Keying overrides come from the query.
func (s *ExportServer) handleExportWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxUploadSize)

	id := uuid.NewString()
	logger := s.logger.With("export_id", id, "transport", "websocket")

	keyCfg, err := keyingFromValues(s.keyingDefaults(), r.URL.Query().Get)
	if err != nil {
		conn.WriteJSON(wsStatus{ID: id, Status: "error", Error: err.Error()})
		return
	}

	var inputs [2][]byte
	for i := range inputs {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			logger.Warn("Failed to read input", "error", err)
			return
		}
		if msgType != websocket.BinaryMessage {
			conn.WriteJSON(wsStatus{ID: id, Status: "error", Error: "expected binary input message"})
			return
		}
		inputs[i] = data
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.register(id, "websocket", cancel)
	defer s.unregister(id)

	// A close frame or read error from the client cancels the export.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	opts := s.options
	opts.Keying = keyCfg
	opts.Logger = logger
	err = export.New(opts).StreamWithSession(ctx,
		export.Input{Base: bytes.NewReader(inputs[0]), Effect: bytes.NewReader(inputs[1])},
		wsWriter{conn: conn},
		func(session *mux.Session) {
			s.attach(id, session)
		})

	status := wsStatus{ID: id, Status: "done"}
	if err != nil {
		status = wsStatus{ID: id, Status: "error", Error: err.Error()}
		logger.Error("WebSocket export failed", "error", err)
	}
	if err := conn.WriteJSON(status); err != nil {
		logger.Warn("Failed to send export status", "error", errors.Cause(err))
		return
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

type wsWriter struct {
	conn *websocket.Conn
}

func (ww wsWriter) Write(p []byte) (int, error) {
	if err := ww.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
