package atp

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/calvinneo/atpcore/pkg/atperr"
)

// Context owns every Connection on one driver thread: it allocates sock_ids,
// demultiplexes inbound datagrams to the right Connection. Each Connection
// keeps a pointer back to its Context plus a connHandle carrying its sock_id
// and the generation counter value below at creation; the maps are keyed by
// sock_id and the generation is not checked on lookup.
type Context struct {
	id      string
	log     context.Context
	metrics *Metrics

	mu sync.Mutex // guards the maps below; see note on the single-thread model

	generation uint64
	nextSockID uint16
	conns      map[uint16]*Connection          // by sock_id, live connections
	byPeer     map[string]*Connection          // by "sock_id|peer_addr", established/connecting
	listeners  map[uint16]*Connection          // by local port
}

// NewContext creates a Context. logCtx is used only for dlog diagnostics
// emitted by the demultiplexer and registration bookkeeping; it is never
// threaded into Connection's per-packet hot path, which the spec keeps free
// of any concurrency or cancellation primitive.
func NewContext(logCtx context.Context, metrics *Metrics) *Context {
	return &Context{
		id:        uuid.NewString(),
		log:       logCtx,
		metrics:   metrics,
		conns:     make(map[uint16]*Connection),
		byPeer:    make(map[string]*Connection),
		listeners: make(map[uint16]*Connection),
	}
}

// NewConnection allocates a sock_id and an initialized Connection.
func (ctx *Context) NewConnection() (*Connection, error) {
	ctx.mu.Lock()
	sockID, err := ctx.allocSockIDLocked()
	ctx.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ctx.generation++
	c := newConnection(ctx, connHandle{sockID: sockID, generation: ctx.generation})
	if err := c.Init(); err != nil {
		return nil, err
	}
	dlog.Debugf(ctx.log, "atp: sock_id %d allocated", sockID)
	return c, nil
}

// allocSockIDLocked returns the next unused sock_id, wrapping around the
// 16-bit space and skipping ids currently registered, per §3's "monotonic,
// skipping values currently in use" rule.
func (ctx *Context) allocSockIDLocked() (uint16, error) {
	start := ctx.nextSockID
	for {
		id := ctx.nextSockID
		ctx.nextSockID++
		if _, inUse := ctx.conns[id]; !inUse {
			return id, nil
		}
		if ctx.nextSockID == start {
			return 0, atperr.ResourceExhausted.New("sock_id space exhausted")
		}
	}
}

// register records c under (sock_id, peer_addr) once its peer is known, as
// happens on connect() and on receiving the first SYN of an inbound
// handshake.
func (ctx *Context) register(c *Connection) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	key := peerKey(c.handle.sockID, c.peerAddr)
	if _, exists := ctx.byPeer[key]; exists {
		return atperr.ResourceExhausted.Newf("connection already registered for %s", key)
	}
	ctx.conns[c.handle.sockID] = c
	ctx.byPeer[key] = c
	if ctx.metrics != nil {
		ctx.metrics.ActiveConns.Set(float64(len(ctx.conns)))
	}
	return nil
}

// registerListener binds c to localPort. Fails if the port is already
// registered to another listener: the original implementation's check was
// inverted (it inserted when the port was ALREADY present and errored
// otherwise), which let a second listener silently steal traffic from the
// first. This is the corrected, intended behavior per DESIGN.md.
func (ctx *Context) registerListener(localPort uint16, c *Connection) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if _, exists := ctx.listeners[localPort]; exists {
		return atperr.ResourceExhausted.Newf("port %d already has a listening connection", localPort)
	}
	ctx.listeners[localPort] = c
	ctx.conns[c.handle.sockID] = c
	return nil
}

// deregister removes c from every map it may be registered under. Called
// once a Connection reaches DESTROY, satisfying the invariant that a
// destroyed Connection is released exactly once.
func (ctx *Context) deregister(c *Connection) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	delete(ctx.conns, c.handle.sockID)
	if c.peerAddr != nil {
		delete(ctx.byPeer, peerKey(c.handle.sockID, c.peerAddr))
	}
	if c.listenPort != 0 {
		if l, ok := ctx.listeners[c.listenPort]; ok && l == c {
			delete(ctx.listeners, c.listenPort)
		}
	}
	if ctx.metrics != nil {
		ctx.metrics.ActiveConns.Set(float64(len(ctx.conns)))
	}
	dlog.Debugf(ctx.log, "atp: sock_id %d released", c.handle.sockID)
}

// Lookup demultiplexes an inbound datagram to an already-registered
// Connection by its exact (sock_id, peer_addr) pair. h.PeerSockID carries
// the receiving side's own sock_id once both ends of the handshake know
// it, so this is a plain local lookup, not a peer-id comparison.
func (ctx *Context) Lookup(peerAddr net.Addr, h Header) *Connection {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if c, ok := ctx.conns[h.PeerSockID]; ok && c.peerAddr != nil && sameAddr(c.peerAddr, peerAddr) {
		return c
	}
	return nil
}

// listenerAt returns the Connection listening on localPort, if any.
func (ctx *Context) listenerAt(localPort uint16) *Connection {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.listeners[localPort]
}

// Dispatch decodes and routes buf, received on localPort from peerAddr, to
// the matching Connection. An exact (sock_id, peer_addr) match is tried
// first; a SYN with no match falls back to the listener bound to
// localPort, per §4.3, spawning a freshly accepted Connection for it so the
// listener itself stays available for further inbound connections.
// Unroutable or malformed datagrams are silently dropped with only the
// malformed-packet counter bumped, per §7.
func (ctx *Context) Dispatch(buf []byte, peerAddr net.Addr, localPort uint16) Result {
	h, payload, err := Decode(buf)
	if err != nil {
		if ctx.metrics != nil {
			ctx.metrics.MalformedPackets.Inc()
		}
		return ResultDrop
	}
	if c := ctx.Lookup(peerAddr, h); c != nil {
		if h.GetRst() {
			return c.HandleRST()
		}
		return c.handleDecoded(h, payload)
	}
	if h.GetSyn() && !h.GetAck() {
		if l := ctx.listenerAt(localPort); l != nil {
			return ctx.acceptFrom(l, peerAddr, h, payload)
		}
	}
	return ResultDrop
}

// acceptFrom spawns a new Connection to handle an inbound SYN addressed to
// listener, after giving the host a chance to reject it via BEFORE_ACCEPT.
// The listener itself never leaves LISTEN.
func (ctx *Context) acceptFrom(listener *Connection, peerAddr net.Addr, h Header, payload []byte) Result {
	res := listener.invoke(CallbackBeforeAccept, payload, peerAddr, nil)
	if res == ResultReject || res == ResultError {
		return ResultReject
	}
	c, err := ctx.NewConnection()
	if err != nil {
		listener.invoke(CallbackOnError, nil, nil, err)
		return ResultError
	}
	c.peerAddr = peerAddr
	c.cbs = listener.cbs
	if err := ctx.register(c); err != nil {
		listener.invoke(CallbackOnError, nil, nil, err)
		return ResultError
	}
	return c.handleDecoded(h, payload)
}

// Shutdown calls Close on every registered Connection in CONNECTED,
// CONNECTED_FULL or CLOSE_WAIT, aggregating any errors raised during close
// with go-multierror so a caller sees the complete picture instead of only
// the first failure. Connections in any other state are left untouched.
func (ctx *Context) Shutdown() error {
	ctx.mu.Lock()
	live := make([]*Connection, 0, len(ctx.conns))
	for _, c := range ctx.conns {
		live = append(live, c)
	}
	ctx.mu.Unlock()

	var result *multierror.Error
	for _, c := range live {
		if c.state == StateConnected || c.state == StateConnectedFull || c.state == StateCloseWait {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

func peerKey(sockID uint16, addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return strconv.Itoa(int(sockID)) + "|" + addr.Network() + "|" + addr.String()
}

func sameAddr(a, b net.Addr) bool {
	return a.Network() == b.Network() && a.String() == b.String()
}
