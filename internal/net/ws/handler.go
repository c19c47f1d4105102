// Package ws carries the store protocol over websockets: Handler serves the
// server side of the fanout, RemoteStore gives a client process the Store
// contract over one connection.
package ws

import (
	"context"
	"encoding/json"
	"log"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tavolo/internal/net/proto"
	"tavolo/internal/store"
)

const writeWait = 10 * time.Second

type HandlerConfig struct {
	Logger *log.Logger
}

// Handler upgrades connections and serves the store protocol against a
// Memory store. Change notifications for each connection are delivered in
// store order because the store dispatches them in order and each session
// serializes its writes.
type Handler struct {
	store    *store.Memory
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
}

func NewHandler(st *store.Memory, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		store:  st,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
		sessions: make(map[*session]struct{}),
	}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	sess := &session{
		handler: h,
		conn:    conn,
		subs:    make(map[uint64]store.Handle),
	}
	h.mu.Lock()
	h.sessions[sess] = struct{}{}
	h.mu.Unlock()

	hello, err := proto.EncodeServerMessage(proto.ServerMessage{
		Type:       proto.TypeHello,
		ServerTime: time.Now().UnixMilli(),
	})
	if err == nil {
		sess.write(hello)
	}

	sess.readLoop()

	h.mu.Lock()
	delete(h.sessions, sess)
	h.mu.Unlock()
}

// SessionCount reports live connections for the diagnostics endpoint.
func (h *Handler) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// SessionDiagnostics describes one live connection.
type SessionDiagnostics struct {
	RemoteAddr    string   `json:"remoteAddr"`
	Subscriptions []string `json:"subscriptions"`
	LastSeen      int64    `json:"lastSeen"`
}

func (h *Handler) Diagnostics() []SessionDiagnostics {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SessionDiagnostics, 0, len(h.sessions))
	for sess := range h.sessions {
		out = append(out, sess.diagnostics())
	}
	return out
}

type session struct {
	handler *Handler
	conn    *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	subs     map[uint64]store.Handle
	subPaths map[uint64]string
	lastSeen time.Time
	closed   bool
}

func (s *session) readLoop() {
	defer s.teardown()
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.lastSeen = time.Now()
		s.mu.Unlock()

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			s.handler.logger.Printf("discarding malformed message from %s: %v", s.conn.RemoteAddr(), err)
			continue
		}
		s.dispatch(msg)
	}
}

func (s *session) dispatch(msg proto.ClientMessage) {
	ctx := context.Background()
	st := s.handler.store

	switch msg.Type {
	case proto.TypeSet:
		s.answer(msg.Seq, "", st.Set(ctx, msg.Path, decodeValue(msg.Value)))
	case proto.TypeUpdate:
		fields := make(map[string]any)
		if err := json.Unmarshal(msg.Fields, &fields); err != nil {
			s.nack(msg.Seq, "malformed fields")
			return
		}
		s.answer(msg.Seq, "", st.Update(ctx, msg.Path, fields))
	case proto.TypeRemove:
		s.answer(msg.Seq, "", st.Remove(ctx, msg.Path))
	case proto.TypePush:
		key, err := st.Push(ctx, msg.Path, decodeValue(msg.Value))
		s.answer(msg.Seq, key, err)
	case proto.TypeSubscribe:
		s.subscribe(msg)
	case proto.TypeUnsubscribe:
		s.unsubscribe(msg.SubID)
		s.answer(msg.Seq, "", nil)
	case proto.TypeHeartbeat:
		data, err := proto.EncodeServerMessage(proto.ServerMessage{
			Type:       proto.TypeHeartbeat,
			ServerTime: time.Now().UnixMilli(),
		})
		if err == nil {
			s.write(data)
		}
	}
}

func (s *session) subscribe(msg proto.ClientMessage) {
	subID := msg.SubID
	handle, err := s.handler.store.Subscribe(msg.Path, func(change store.Change) {
		value, err := json.Marshal(change.Value)
		if err != nil {
			return
		}
		data, err := proto.EncodeServerMessage(proto.ServerMessage{
			Type:  proto.TypeChange,
			SubID: subID,
			Path:  change.Path,
			Value: value,
			At:    change.At,
		})
		if err != nil {
			return
		}
		s.write(data)
	})
	if err != nil {
		s.nack(msg.Seq, err.Error())
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.handler.store.Unsubscribe(handle)
		return
	}
	if old, ok := s.subs[subID]; ok {
		s.handler.store.Unsubscribe(old)
	}
	s.subs[subID] = handle
	if s.subPaths == nil {
		s.subPaths = make(map[uint64]string)
	}
	s.subPaths[subID] = msg.Path
	s.mu.Unlock()
	s.answer(msg.Seq, "", nil)
}

func (s *session) unsubscribe(subID uint64) {
	s.mu.Lock()
	handle, ok := s.subs[subID]
	if ok {
		delete(s.subs, subID)
		delete(s.subPaths, subID)
	}
	s.mu.Unlock()
	if ok {
		s.handler.store.Unsubscribe(handle)
	}
}

func (s *session) answer(seq uint64, key string, err error) {
	if seq == 0 {
		return
	}
	if err != nil {
		s.nack(seq, err.Error())
		return
	}
	data, encErr := proto.EncodeServerMessage(proto.ServerMessage{
		Type: proto.TypeAck,
		Seq:  seq,
		Key:  key,
	})
	if encErr != nil {
		return
	}
	s.write(data)
}

func (s *session) nack(seq uint64, reason string) {
	if seq == 0 {
		return
	}
	data, err := proto.EncodeServerMessage(proto.ServerMessage{
		Type:   proto.TypeNack,
		Seq:    seq,
		Reason: reason,
	})
	if err != nil {
		return
	}
	s.write(data)
}

func (s *session) write(data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.handler.logger.Printf("write to %s failed: %v", s.conn.RemoteAddr(), err)
	}
}

func (s *session) teardown() {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = make(map[uint64]store.Handle)
	s.subPaths = nil
	s.mu.Unlock()
	for _, handle := range subs {
		s.handler.store.Unsubscribe(handle)
	}
	s.conn.Close()
}

func (s *session) diagnostics() SessionDiagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.subPaths))
	for _, path := range s.subPaths {
		paths = append(paths, path)
	}
	return SessionDiagnostics{
		RemoteAddr:    s.conn.RemoteAddr().String(),
		Subscriptions: paths,
		LastSeen:      s.lastSeen.UnixMilli(),
	}
}

func decodeValue(raw json.RawMessage) any {
	var value any
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil
	}
	return value
}
