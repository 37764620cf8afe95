package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Zereker/termsocket"
	"github.com/gorilla/websocket"
)

// Server is a toy gotty-protocol server: it echoes keystrokes back as
// output and grants the client a reconnect interval.
type Server struct {
	connID   int64
	upgrader websocket.Upgrader
	codec    termsocket.GottyCodec

	sync.RWMutex
	connections map[int64]*websocket.Conn
}

func newServer() *Server {
	return &Server{
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		connections: make(map[int64]*websocket.Conn),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrade failed", "error", err)
		return
	}
	connID := atomic.AddInt64(&s.connID, 1)
	s.addConn(connID, ws)
	defer s.deleteConn(connID)
	defer ws.Close()

	if err := s.handle(connID, ws); err != nil {
		slog.Info("connection ended", "connID", connID, "error", err)
	}
}

func (s *Server) handle(connID int64, ws *websocket.Conn) error {
	// Raw token, then the JSON handshake.
	_, token, err := ws.ReadMessage()
	if err != nil {
		return err
	}
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return err
	}
	var hs termsocket.Handshake
	if err := json.Unmarshal(raw, &hs); err != nil {
		return err
	}
	slog.Info("session started", "connID", connID, "token", string(token), "arguments", hs.Arguments)

	if err := s.send(ws, termsocket.TagSetReconnect, []byte("5")); err != nil {
		return err
	}
	if err := s.send(ws, termsocket.TagSetWindowTitle, []byte("echo")); err != nil {
		return err
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := s.codec.Decode(data)
		if err != nil {
			continue
		}

		switch frame.Tag {
		case termsocket.TagInput:
			out := base64.StdEncoding.EncodeToString(frame.Payload)
			err = s.send(ws, termsocket.TagOutput, []byte(out))
		case termsocket.TagPing:
			err = s.send(ws, termsocket.TagPong, nil)
		case termsocket.TagResizeTerminal:
			var size termsocket.ResizeRequest
			if json.Unmarshal(frame.Payload, &size) == nil {
				msg := fmt.Sprintf("\r\n[resized to %dx%d]\r\n", size.Columns, size.Rows)
				err = s.send(ws, termsocket.TagOutput, []byte(base64.StdEncoding.EncodeToString([]byte(msg))))
			}
		}
		if err != nil {
			return err
		}
	}
}

func (s *Server) send(ws *websocket.Conn, tag termsocket.Tag, payload []byte) error {
	data, err := s.codec.Encode(termsocket.Frame{Tag: tag, Payload: payload})
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) addConn(connID int64, ws *websocket.Conn) {
	s.Lock()
	defer s.Unlock()

	slog.Info("add new conn", "connID", connID, "addr", ws.RemoteAddr())
	s.connections[connID] = ws
}

func (s *Server) deleteConn(connID int64) {
	s.Lock()
	defer s.Unlock()

	delete(s.connections, connID)
}

// closeAll closes every tracked websocket and returns how many it closed.
// http.Server.Shutdown does not touch hijacked connections.
func (s *Server) closeAll() int {
	s.RLock()
	defer s.RUnlock()

	for connID, ws := range s.connections {
		slog.Info("close conn", "connID", connID, "addr", ws.RemoteAddr())
		_ = ws.Close()
	}
	return len(s.connections)
}

func main() {
	echo := newServer()
	mux := http.NewServeMux()
	mux.Handle(termsocket.TerminalPath, echo)
	srv := &http.Server{Addr: "127.0.0.1:8000", Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	// Handle graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		_ = srv.Shutdown(context.Background())
		slog.Info("closed websockets", "count", echo.closeAll())
	}()

	slog.Info("server start", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}
