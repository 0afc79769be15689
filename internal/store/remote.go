package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fightdeck/peercall/internal/util"
)

// Remote is a Store backed by a Server reached over a single WebSocket
// connection. Requests carry a client-assigned ID and block until the
// matching reply arrives. Subscription events are queued by the read loop
// and delivered by a dispatcher goroutine in the server's order, so a
// callback is free to issue store requests of its own.
type Remote struct {
	conn *websocket.Conn

	writeMu sync.Mutex // guards conn writes, like the signaling sender

	mu      sync.Mutex
	nextID  uint64
	replies map[uint64]*pending
	subs    map[uint64]func(frame)
	queue   []func()
	notify  chan struct{}

	done    chan struct{}
	once    sync.Once
	readErr error
}

var _ Store = (*Remote)(nil)

// pending tracks one in-flight request. For subscribe requests, deliver is
// installed as the event callback by the read loop in the same step that
// hands over the reply, so an event pushed right after the reply cannot find
// the subscription unregistered.
type pending struct {
	ch      chan frame
	deliver func(frame)
}

// Dial connects to a store Server at the given WebSocket URL, e.g.
// "ws://127.0.0.1:4710/store".
func Dial(ctx context.Context, url string) (*Remote, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("store: connect to %s: %w", url, err)
	}

	r := &Remote{
		conn:    conn,
		replies: make(map[uint64]*pending),
		subs:    make(map[uint64]func(frame)),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go r.readLoop()
	go r.dispatch()
	return r, nil
}

// Close tears down the connection. In-flight requests fail with ErrClosed.
func (r *Remote) Close() error {
	r.shutdown(ErrClosed)
	return r.conn.Close()
}

// Done is closed when the connection is lost or Close is called.
func (r *Remote) Done() <-chan struct{} { return r.done }

func (r *Remote) shutdown(cause error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.readErr = cause
		for id, p := range r.replies {
			delete(r.replies, id)
			close(p.ch)
		}
		r.subs = make(map[uint64]func(frame))
		r.queue = nil
		r.mu.Unlock()
		close(r.done)
	})
}

// readLoop hands replies to waiting requests and queues events for the
// dispatcher. It exits when the connection drops.
func (r *Remote) readLoop() {
	for {
		var f frame
		if err := r.conn.ReadJSON(&f); err != nil {
			r.shutdown(fmt.Errorf("store: connection lost: %w", err))
			return
		}

		switch f.Kind {
		case kindReply:
			r.mu.Lock()
			p, ok := r.replies[f.ID]
			if ok {
				delete(r.replies, f.ID)
				if f.OK && p.deliver != nil {
					r.subs[f.Sub] = p.deliver
				}
			}
			r.mu.Unlock()
			if ok {
				p.ch <- f
				close(p.ch)
			}

		case kindEvent:
			r.mu.Lock()
			if fn := r.subs[f.Sub]; fn != nil {
				r.enqueue(func() { fn(f) })
			}
			r.mu.Unlock()

		default:
			util.LogWarning("store: unknown frame kind %q", f.Kind)
		}
	}
}

// dispatch delivers queued subscription events one at a time in arrival
// order. Running callbacks off the read loop keeps the connection live while
// they execute: a document-change callback may end a call, and ending a call
// deletes the descriptor through this same store.
func (r *Remote) dispatch() {
	for {
		select {
		case <-r.done:
			return
		case <-r.notify:
		}

		for {
			r.mu.Lock()
			if len(r.queue) == 0 {
				r.mu.Unlock()
				break
			}
			queue := r.queue
			r.queue = nil
			r.mu.Unlock()

			for _, fn := range queue {
				select {
				case <-r.done:
					return
				default:
				}
				fn()
			}
		}
	}
}

// enqueue schedules fn on the dispatcher. Must be called with mu held.
func (r *Remote) enqueue(fn func()) {
	r.queue = append(r.queue, fn)
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// roundTrip sends one request frame and waits for its reply.
func (r *Remote) roundTrip(ctx context.Context, req frame) (frame, error) {
	return r.request(ctx, req, nil)
}

func (r *Remote) request(ctx context.Context, req frame, deliver func(frame)) (frame, error) {
	req.Kind = kindRequest

	r.mu.Lock()
	if r.readErr != nil {
		err := r.readErr
		r.mu.Unlock()
		return frame{}, err
	}
	r.nextID++
	req.ID = r.nextID
	p := &pending{ch: make(chan frame, 1), deliver: deliver}
	r.replies[req.ID] = p
	r.mu.Unlock()

	r.writeMu.Lock()
	err := r.conn.WriteJSON(req)
	r.writeMu.Unlock()
	if err != nil {
		r.mu.Lock()
		delete(r.replies, req.ID)
		r.mu.Unlock()
		return frame{}, fmt.Errorf("store: send %s: %w", req.Op, err)
	}

	select {
	case res, ok := <-p.ch:
		if !ok {
			return frame{}, ErrClosed
		}
		if !res.OK {
			if res.Err == ErrNotFound.Error() {
				return frame{}, fmt.Errorf("store: %s %s: %w", req.Op, req.Key, ErrNotFound)
			}
			return frame{}, fmt.Errorf("store: %s %s: %s", req.Op, req.Key, res.Err)
		}
		return res, nil

	case <-ctx.Done():
		r.mu.Lock()
		delete(r.replies, req.ID)
		r.mu.Unlock()
		return frame{}, ctx.Err()

	case <-r.done:
		return frame{}, ErrClosed
	}
}

// post sends a one-way request that expects no reply.
func (r *Remote) post(req frame) error {
	req.Kind = kindRequest
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("store: send %s: %w", req.Op, err)
	}
	return nil
}

// Put creates or replaces the document at key.
func (r *Remote) Put(ctx context.Context, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode document %s: %w", key, err)
	}
	_, err = r.roundTrip(ctx, frame{Op: opPut, Key: key, Doc: data})
	return err
}

// Get reads the document at key into out.
func (r *Remote) Get(ctx context.Context, key string, out any) (bool, error) {
	res, err := r.roundTrip(ctx, frame{Op: opGet, Key: key})
	if err != nil {
		return false, err
	}
	if !res.Exists {
		return false, nil
	}
	if err := json.Unmarshal(res.Doc, out); err != nil {
		return true, fmt.Errorf("store: decode document %s: %w", key, err)
	}
	return true, nil
}

// Update merges fields into the existing document at key.
func (r *Remote) Update(ctx context.Context, key string, fields map[string]any) error {
	enc := make(map[string]json.RawMessage, len(fields))
	for name, value := range fields {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("store: encode field %s of %s: %w", name, key, err)
		}
		enc[name] = data
	}
	_, err := r.roundTrip(ctx, frame{Op: opUpdate, Key: key, Fields: enc})
	return err
}

// Delete removes the document at key.
func (r *Remote) Delete(ctx context.Context, key string) error {
	_, err := r.roundTrip(ctx, frame{Op: opDelete, Key: key})
	return err
}

// Append adds a record to the sub-collection at prefix.
func (r *Remote) Append(ctx context.Context, prefix string, rec any) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("store: encode record for %s: %w", prefix, err)
	}
	res, err := r.roundTrip(ctx, frame{Op: opAppend, Key: prefix, Doc: data})
	if err != nil {
		return "", err
	}
	return res.RecordID, nil
}

// SubscribeCollection registers onAdd for records under prefix.
func (r *Remote) SubscribeCollection(prefix string, onAdd func(Record)) (func(), error) {
	return r.subscribe(frame{Op: opSubColl, Key: prefix}, func(f frame) {
		if f.Record != nil {
			onAdd(*f.Record)
		}
	})
}

// SubscribeDocument registers onChange for the document at key.
func (r *Remote) SubscribeDocument(key string, onChange func(json.RawMessage, bool)) (func(), error) {
	return r.subscribe(frame{Op: opSubDoc, Key: key}, func(f frame) {
		onChange(f.Doc, f.Exists)
	})
}

func (r *Remote) subscribe(req frame, deliver func(frame)) (func(), error) {
	res, err := r.request(context.Background(), req, deliver)
	if err != nil {
		return nil, err
	}
	sub := res.Sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, sub)
			closed := r.readErr != nil
			r.mu.Unlock()
			if closed {
				return
			}
			// One-way: the server stops pushing without a reply, so a
			// subscription can cancel itself from inside its own callback.
			if err := r.post(frame{Op: opUnsub, Sub: sub}); err != nil {
				util.LogDebug("store: unsubscribe %d: %v", sub, err)
			}
		})
	}
	return cancel, nil
}
