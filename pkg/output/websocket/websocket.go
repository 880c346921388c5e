// Package websocket streams telemetry to browser clients.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ericogr/energy-monitor/pkg/config"
	"github.com/ericogr/energy-monitor/pkg/telemetry"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPath  = "/ws"
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	writeWait    = 5 * time.Second
	sendBuffer   = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans each published message out to every connected client. Slow
// clients drop messages instead of blocking the publisher.
type Hub struct {
	listen string
	path   string

	mu      sync.Mutex
	clients map[*client]struct{}
	last    *telemetry.Message
}

type client struct {
	conn *websocket.Conn
	send chan telemetry.Message
}

func NewHub(cfg *config.WebsocketConfig) *Hub {
	h := &Hub{path: DefaultPath, clients: map[*client]struct{}{}}
	if cfg != nil {
		h.listen = cfg.Listen
		if cfg.Path != "" {
			h.path = cfg.Path
		}
	}
	return h
}

func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(h.path, h.serveWS)
	return mux
}

// Serve listens on the configured address until ctx is done.
func (h *Hub) Serve(ctx context.Context) error {
	if h.listen == "" {
		return errors.New("websocket output requires a listen address")
	}
	srv := &http.Server{Addr: h.listen, Handler: h.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.WithFields(log.Fields{"listen": h.listen, "path": h.path}).Info("websocket output listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *Hub) Publish(m telemetry.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &m
	for c := range h.clients {
		select {
		case c.send <- m:
		default:
			log.Debug("websocket client too slow, dropping message")
		}
	}
	return nil
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.conn.Close()
		delete(h.clients, c)
	}
	return nil
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- *h.last
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan telemetry.Message, sendBuffer)}
	h.register(c)
	defer func() {
		h.unregister(c)
		_ = conn.Close()
	}()

	stop := make(chan struct{})
	go func() {
		defer close(stop)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case m := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(m); err != nil {
				log.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
