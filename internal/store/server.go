package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fightdeck/peercall/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes one Memory store to any number of Remote clients over
// WebSocket. It exists so two peers on different machines can rendezvous
// through the same signaling store without a hosted backend.
type Server struct {
	store    *Memory
	listener net.Listener
}

// NewServer creates a server around the given Memory store.
func NewServer(store *Memory) *Server {
	return &Server{store: store}
}

// Start begins listening on addr (":0" picks a random port) and returns the
// assigned port number.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("store: start server: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/store", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return port, nil
}

// Close shuts down the listener, preventing new connections. Established
// connections keep running until their clients disconnect.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &serverConn{
		store:   s.store,
		conn:    conn,
		cancels: make(map[uint64]func()),
	}
	go c.serve()
}

// serverConn handles one connected client: requests in, replies and
// subscription events out.
type serverConn struct {
	store *Memory
	conn  *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextSub uint64
	cancels map[uint64]func()
}

func (c *serverConn) serve() {
	defer c.teardown()

	for {
		var req frame
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Kind != kindRequest {
			continue
		}
		switch req.Op {
		case opSubColl, opSubDoc:
			c.subscribe(req)
		case opUnsub:
			c.unsubscribe(req)
		default:
			c.write(c.handle(req))
		}
	}
}

// teardown cancels every live subscription of this client and closes the
// connection.
func (c *serverConn) teardown() {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = make(map[uint64]func())
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.conn.Close()
}

func (c *serverConn) write(f frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(f); err != nil {
		util.LogDebug("store: write to client failed: %v", err)
	}
}

// handle executes one request against the backing store and builds the reply.
func (c *serverConn) handle(req frame) frame {
	res := frame{Kind: kindReply, ID: req.ID, OK: true}
	ctx := context.Background()

	switch req.Op {
	case opPut:
		if err := c.store.Put(ctx, req.Key, json.RawMessage(req.Doc)); err != nil {
			return c.fail(res, err)
		}

	case opGet:
		var doc json.RawMessage
		exists, err := c.store.Get(ctx, req.Key, &doc)
		if err != nil {
			return c.fail(res, err)
		}
		res.Doc = doc
		res.Exists = exists

	case opUpdate:
		fields := make(map[string]any, len(req.Fields))
		for name, value := range req.Fields {
			fields[name] = json.RawMessage(value)
		}
		if err := c.store.Update(ctx, req.Key, fields); err != nil {
			return c.fail(res, err)
		}

	case opDelete:
		if err := c.store.Delete(ctx, req.Key); err != nil {
			return c.fail(res, err)
		}

	case opAppend:
		id, err := c.store.Append(ctx, req.Key, json.RawMessage(req.Doc))
		if err != nil {
			return c.fail(res, err)
		}
		res.RecordID = id

	default:
		return c.fail(res, fmt.Errorf("unknown op %q", req.Op))
	}

	return res
}

// subscribe registers a change feed on the backing store. The snapshot event
// the registration queues must not overtake the reply carrying the sub ID,
// so the write mutex is held across both: the store's dispatcher blocks on
// its first write until the reply is on the wire.
func (c *serverConn) subscribe(req frame) {
	sub := c.newSubID()
	res := frame{Kind: kindReply, ID: req.ID, OK: true, Sub: sub}

	c.writeMu.Lock()
	var cancel func()
	var err error
	switch req.Op {
	case opSubColl:
		cancel, err = c.store.SubscribeCollection(req.Key, func(rec Record) {
			c.write(frame{Kind: kindEvent, Sub: sub, Record: &rec})
		})
	case opSubDoc:
		cancel, err = c.store.SubscribeDocument(req.Key, func(doc json.RawMessage, exists bool) {
			c.write(frame{Kind: kindEvent, Sub: sub, Doc: doc, Exists: exists})
		})
	}
	if err != nil {
		c.writeMu.Unlock()
		c.write(c.fail(res, err))
		return
	}
	if werr := c.conn.WriteJSON(res); werr != nil {
		util.LogDebug("store: write to client failed: %v", werr)
	}
	c.writeMu.Unlock()

	c.register(sub, cancel)
}

// unsubscribe is one-way: the client does not wait for a reply, so none is
// written.
func (c *serverConn) unsubscribe(req frame) {
	c.mu.Lock()
	cancel := c.cancels[req.Sub]
	delete(c.cancels, req.Sub)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *serverConn) fail(res frame, err error) frame {
	res.OK = false
	if errors.Is(err, ErrNotFound) {
		res.Err = ErrNotFound.Error()
	} else {
		res.Err = err.Error()
	}
	return res
}

func (c *serverConn) newSubID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	return c.nextSub
}

func (c *serverConn) register(sub uint64, cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[sub] = cancel
}
