// Package events streams refresh events to browsers as Server-Sent Events.
package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go.lepak.sg/bikeshare-backend/model"
)

const (
	TypeConnected     = "connected"
	TypeRefreshStart  = "refresh-start"
	TypeRefreshResult = "refresh-result"

	clientBuffer      = 16
	keepaliveInterval = 30 * time.Second
)

type Message struct {
	ID   int64
	Type string
	Data any
}

// ResultData is the payload of a refresh-result event.
type ResultData struct {
	OK        bool           `json:"ok"`
	Reason    model.Reason   `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
	Network   string         `json:"network,omitempty"`
	Stations  int            `json:"stations"`
	Favorites model.Stations `json:"favorites,omitempty"`
}

// Broadcaster fans refresh events out to every connected client. It is a
// refresh.Sink and an http.Handler.
type Broadcaster struct {
	lock    sync.RWMutex
	clients map[string]chan Message

	seq       atomic.Int64
	keepalive time.Duration
	logger    *zap.Logger
}

func New(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		clients:   make(map[string]chan Message),
		keepalive: keepaliveInterval,
		logger:    logger.Named("events"),
	}
}

func (b *Broadcaster) addClient(id string) <-chan Message {
	b.lock.Lock()
	defer b.lock.Unlock()

	ch := make(chan Message, clientBuffer)
	b.clients[id] = ch
	b.logger.Debug("client connected", zap.String("client", id), zap.Int("clients", len(b.clients)))
	return ch
}

func (b *Broadcaster) removeClient(id string) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		b.logger.Debug("client disconnected", zap.String("client", id), zap.Int("clients", len(b.clients)))
	}
}

func (b *Broadcaster) ClientCount() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return len(b.clients)
}

// Broadcast never blocks. Clients whose buffer is full miss the message.
func (b *Broadcaster) Broadcast(typ string, data any) {
	msg := Message{
		ID:   b.seq.Add(1),
		Type: typ,
		Data: data,
	}

	b.lock.RLock()
	defer b.lock.RUnlock()

	for id, ch := range b.clients {
		select {
		case ch <- msg:
		default:
			b.logger.Warn("client too slow, dropping message", zap.String("client", id), zap.String("type", typ))
		}
	}
}

func (b *Broadcaster) OnRefreshStart() {
	b.Broadcast(TypeRefreshStart, nil)
}

func (b *Broadcaster) OnRefreshResult(r model.RefreshResult) {
	data := ResultData{
		OK:     r.OK(),
		Reason: r.Reason,
	}
	if r.Err != nil {
		data.Error = r.Err.Error()
	}
	if r.Network != nil {
		data.Network = r.Network.ID
	}
	if r.OK() {
		data.Stations = len(r.AllStations)
		data.Favorites = r.FavoriteStations
	}
	b.Broadcast(TypeRefreshResult, data)
}

func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("content-type", "text/event-stream")
	w.Header().Set("cache-control", "no-cache")
	w.Header().Set("connection", "keep-alive")
	w.Header().Set("x-accel-buffering", "no")

	id := uuid.NewString()
	ch := b.addClient(id)
	defer b.removeClient(id)

	err := write(w, Message{Type: TypeConnected, Data: map[string]string{"client_id": id}})
	if err != nil {
		b.logger.Debug("writing to client", zap.String("client", id), zap.Error(err))
		return
	}
	flusher.Flush()

	tick := time.NewTicker(b.keepalive)
	defer tick.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := write(w, msg); err != nil {
				b.logger.Debug("writing to client", zap.String("client", id), zap.Error(err))
				return
			}
			flusher.Flush()
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func write(w http.ResponseWriter, msg Message) error {
	data := []byte("{}")
	if msg.Data != nil {
		var err error
		data, err = json.Marshal(msg.Data)
		if err != nil {
			return fmt.Errorf("marshal of %s event: %w", msg.Type, err)
		}
	}

	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", msg.ID, msg.Type, data)
	return err
}
