package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tavolo/internal/net/proto"
	"tavolo/internal/store"
)

const requestTimeout = 10 * time.Second

// RemoteStore implements the Store contract over one websocket connection to
// a session server. Change notifications are dispatched by a single reader
// goroutine, preserving the server's per-path write order.
type RemoteStore struct {
	conn   *websocket.Conn
	logger *log.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextSeq uint64
	nextSub uint64
	pending map[uint64]chan proto.ServerMessage
	subs    map[uint64]store.ChangeFunc
	closed  bool
	done    chan struct{}

	// Changes are handed from the read loop to a dedicated dispatcher so a
	// callback that issues store writes never deadlocks against the reader
	// that must deliver the ack.
	dispatchMu   sync.Mutex
	dispatchCond *sync.Cond
	dispatchQ    []queuedChange
	dispatchDone chan struct{}
}

type queuedChange struct {
	subID  uint64
	change store.Change
}

// Dial connects to a session server's store endpoint.
func Dial(ctx context.Context, url string, logger *log.Logger) (*RemoteStore, error) {
	if logger == nil {
		logger = log.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	r := &RemoteStore{
		conn:         conn,
		logger:       logger,
		pending:      make(map[uint64]chan proto.ServerMessage),
		subs:         make(map[uint64]store.ChangeFunc),
		done:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	r.dispatchCond = sync.NewCond(&r.dispatchMu)
	go r.readLoop()
	go r.dispatchLoop()
	return r, nil
}

func (r *RemoteStore) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	err := r.conn.Close()
	<-r.done
	return err
}

func (r *RemoteStore) ServerTimestamp() any {
	return store.TimestampSentinel
}

func (r *RemoteStore) Set(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("ws: encode value: %w", err)
	}
	_, err = r.request(ctx, proto.ClientMessage{
		Type:  proto.TypeSet,
		Path:  path,
		Value: data,
	})
	return err
}

func (r *RemoteStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("ws: encode fields: %w", err)
	}
	_, err = r.request(ctx, proto.ClientMessage{
		Type:   proto.TypeUpdate,
		Path:   path,
		Fields: data,
	})
	return err
}

func (r *RemoteStore) Remove(ctx context.Context, path string) error {
	_, err := r.request(ctx, proto.ClientMessage{
		Type: proto.TypeRemove,
		Path: path,
	})
	return err
}

func (r *RemoteStore) Push(ctx context.Context, path string, value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("ws: encode value: %w", err)
	}
	reply, err := r.request(ctx, proto.ClientMessage{
		Type:  proto.TypePush,
		Path:  path,
		Value: data,
	})
	if err != nil {
		return "", err
	}
	return reply.Key, nil
}

func (r *RemoteStore) Subscribe(path string, fn store.ChangeFunc) (store.Handle, error) {
	if fn == nil {
		return 0, fmt.Errorf("ws: nil change func")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, store.ErrClosed
	}
	r.nextSub++
	subID := r.nextSub
	r.subs[subID] = fn
	r.mu.Unlock()

	_, err := r.request(context.Background(), proto.ClientMessage{
		Type:  proto.TypeSubscribe,
		Path:  path,
		SubID: subID,
	})
	if err != nil {
		r.mu.Lock()
		delete(r.subs, subID)
		r.mu.Unlock()
		return 0, err
	}
	return store.Handle(subID), nil
}

func (r *RemoteStore) Unsubscribe(handle store.Handle) {
	subID := uint64(handle)
	r.mu.Lock()
	_, ok := r.subs[subID]
	delete(r.subs, subID)
	r.mu.Unlock()
	if !ok {
		return
	}
	// Best effort; the server also drops subscriptions on disconnect.
	if _, err := r.request(context.Background(), proto.ClientMessage{
		Type:  proto.TypeUnsubscribe,
		SubID: subID,
	}); err != nil {
		r.logger.Printf("unsubscribe %d failed: %v", subID, err)
	}
}

// request sends a frame and waits for its ack or nack.
func (r *RemoteStore) request(ctx context.Context, msg proto.ClientMessage) (proto.ServerMessage, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return proto.ServerMessage{}, store.ErrClosed
	}
	r.nextSeq++
	seq := r.nextSeq
	reply := make(chan proto.ServerMessage, 1)
	r.pending[seq] = reply
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, seq)
		r.mu.Unlock()
	}()

	msg.Ver = proto.Version
	msg.Seq = seq
	msg.SentAt = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return proto.ServerMessage{}, fmt.Errorf("ws: encode request: %w", err)
	}
	r.writeMu.Lock()
	r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = r.conn.WriteMessage(websocket.TextMessage, data)
	r.writeMu.Unlock()
	if err != nil {
		return proto.ServerMessage{}, fmt.Errorf("ws: send request: %w", err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return proto.ServerMessage{}, ctx.Err()
	case <-timer.C:
		return proto.ServerMessage{}, fmt.Errorf("ws: request %d timed out", seq)
	case answer := <-reply:
		if answer.Type == proto.TypeNack {
			return answer, fmt.Errorf("ws: rejected: %s", answer.Reason)
		}
		return answer, nil
	case <-r.done:
		return proto.ServerMessage{}, store.ErrClosed
	}
}

func (r *RemoteStore) readLoop() {
	defer func() {
		close(r.done)
		r.dispatchMu.Lock()
		r.dispatchCond.Broadcast()
		r.dispatchMu.Unlock()
	}()
	for {
		_, payload, err := r.conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			r.closed = true
			r.mu.Unlock()
			return
		}
		msg, err := proto.DecodeServerMessage(payload)
		if err != nil {
			r.logger.Printf("discarding malformed frame: %v", err)
			continue
		}
		switch msg.Type {
		case proto.TypeAck, proto.TypeNack:
			r.mu.Lock()
			reply, ok := r.pending[msg.Seq]
			r.mu.Unlock()
			if ok {
				reply <- msg
			}
		case proto.TypeChange:
			var value any
			if len(msg.Value) > 0 {
				if err := json.Unmarshal(msg.Value, &value); err != nil {
					r.logger.Printf("discarding malformed change value: %v", err)
					continue
				}
			}
			r.dispatchMu.Lock()
			r.dispatchQ = append(r.dispatchQ, queuedChange{
				subID:  msg.SubID,
				change: store.Change{Path: msg.Path, Value: value, At: msg.At},
			})
			r.dispatchCond.Signal()
			r.dispatchMu.Unlock()
		case proto.TypeHello, proto.TypeHeartbeat:
			// Informational only.
		}
	}
}

// dispatchLoop delivers changes in arrival order on its own goroutine.
func (r *RemoteStore) dispatchLoop() {
	defer close(r.dispatchDone)
	for {
		r.dispatchMu.Lock()
		for len(r.dispatchQ) == 0 {
			select {
			case <-r.done:
				r.dispatchMu.Unlock()
				return
			default:
			}
			r.dispatchCond.Wait()
		}
		next := r.dispatchQ[0]
		r.dispatchQ = r.dispatchQ[1:]
		r.dispatchMu.Unlock()

		r.mu.Lock()
		fn, ok := r.subs[next.subID]
		r.mu.Unlock()
		if ok {
			fn(next.change)
		}
	}
}
