package main

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gigflow/address"
	"gigflow/market"
)

const feedBuffer = 256

// Feed fans market events out to websocket subscribers. A subscriber that
// falls behind is disconnected.
type Feed struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

type feedClient struct {
	out    chan []byte
	filter address.Address
	once   sync.Once
}

func (c *feedClient) close() { c.once.Do(func() { close(c.out) }) }

// NewFeed builds a feed that accepts same-origin browsers plus the listed
// origins. "*" accepts any origin.
func NewFeed(origins ...string) *Feed {
	return &Feed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     allowOrigins(origins),
		},
		clients: make(map[*feedClient]struct{}),
	}
}

func allowOrigins(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// non-browser clients send no Origin
		if origin == "" || allowed["*"] || allowed[strings.ToLower(origin)] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		ok := strings.EqualFold(u.Host, r.Host)
		if !ok {
			log.Warnw("feed origin rejected", "origin", origin, "host", r.Host)
		}
		return ok
	}
}

// Clients reports the number of connected subscribers.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Publish is a market.Event subscriber.
func (f *Feed) Publish(ev market.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Errorw("encode feed event", "seq", ev.Tx.Seq, "err", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		if !c.filter.IsZero() && c.filter != ev.Tx.From && c.filter != ev.Tx.To {
			continue
		}
		select {
		case c.out <- b:
		default:
			delete(f.clients, c)
			c.close()
			log.Warnw("feed subscriber too slow, disconnecting")
		}
	}
}

func (f *Feed) add(c *feedClient) {
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
}

func (f *Feed) remove(c *feedClient) {
	f.mu.Lock()
	delete(f.clients, c)
	f.mu.Unlock()
	c.close()
}

// ServeHTTP upgrades to a websocket and streams events as JSON text frames.
// The optional address query parameter keeps only deliveries from or to it.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var filter address.Address
	if raw := r.URL.Query().Get("address"); raw != "" {
		addr, err := address.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid address")
			return
		}
		filter = addr
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := &feedClient{out: make(chan []byte, feedBuffer), filter: filter}
	f.add(c)
	defer f.remove(c)

	// Reader: only control frames are expected; any error ends the session.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case b, ok := <-c.out:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"), time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}
