package atp

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/calvinneo/atpcore/pkg/atperr"
)

// MSL is the assumed maximum segment lifetime; TIME_WAIT holds a connection
// for 2*MSL before it is allowed to reach DESTROY. The spec names 2*MSL but
// leaves MSL itself unspecified (see DESIGN.md); 30s keeps TIME_WAIT well
// clear of RTOMax so a straggling retransmit can't outlive it.
const MSL = 30 * time.Second

// connHandle records a Connection's sock_id and the Context generation it was
// created under. Context lookups are keyed by sock_id alone and do not
// compare the generation, and a Connection reaches its Context through its
// ctx pointer, not through this handle.
type connHandle struct {
	sockID     uint16
	generation uint64
}

// Connection is one end of an ATP connection: its FSM state, sequence
// counters, retransmission and reorder buffers, and the callback table the
// host wired up. All mutation happens on the caller's thread; Connection
// does no internal locking, matching the single-threaded cooperative model
// the core requires.
type Connection struct {
	handle connHandle
	ctx    *Context

	peerSockID uint16
	peerAddr   net.Addr

	state State

	seqNr            uint16 // next sequence number this side will stamp
	ackNr            uint16 // highest contiguous sequence number delivered
	mySeqAckedByPeer uint16 // highest seq_nr the peer has acknowledged
	finalSeq         uint16 // seq_nr stamped on our own FIN, valid once sent
	finSent          bool

	rto            time.Duration
	rtoDeadline    time.Time
	retransmits    int
	maxRetransmits int

	timeWaitDeadline time.Time

	out *outbuf
	in  *inbuf

	cbs CallbackTable

	listenPort uint16 // valid when state == LISTEN or PASSIVE_LISTEN

	malformedPackets uint64
}

func newConnection(ctx *Context, handle connHandle) *Connection {
	c := &Connection{
		handle:         handle,
		ctx:            ctx,
		state:          StateUninitialized,
		rto:            RTOMin * time.Millisecond,
		maxRetransmits: DefaultMaxRetransmits,
		out:            &outbuf{},
	}
	c.in = newInbuf(&c.ackNr)
	return c
}

// SockID is this connection's locally-unique identifier.
func (c *Connection) SockID() uint16 { return c.handle.sockID }

// State returns the connection's current FSM state.
func (c *Connection) State() State { return c.state }

// SetCallback installs fn in the given callback slot.
func (c *Connection) SetCallback(kind CallbackKind, fn CallbackFunc) {
	c.cbs.Set(kind, fn)
}

func (c *Connection) invoke(kind CallbackKind, data []byte, addr net.Addr, errCode error) Result {
	return c.cbs.Invoke(kind, CallbackArgs{
		Conn:      c,
		Data:      data,
		State:     c.state,
		Addr:      addr,
		ErrorCode: errCode,
	})
}

// setState validates and performs a transition, firing ON_STATE_CHANGE.
// Illegal transitions are surfaced as a state-violation error and leave the
// connection in its prior state, mirroring the callback-ERROR contract in
// §4.2.4: the state machine never silently wedges into an invalid state.
func (c *Connection) setState(next State) error {
	if !validateTransition(c.state, next) {
		err := atperr.StateViolation.Newf("illegal transition %s -> %s", c.state, next)
		c.invoke(CallbackOnError, nil, nil, err)
		return err
	}
	c.state = next
	c.invoke(CallbackOnStateChange, nil, nil, nil)
	return nil
}

// --- user API ---------------------------------------------------------

// Init moves a freshly created connection from UNINITIALIZED to IDLE. It is
// the first call the Context makes on every Connection it creates.
func (c *Connection) Init() error {
	return c.setState(StateIdle)
}

// Listen registers this connection as a listener on localPort. Fails if the
// port is already registered to another listening Connection, per the
// corrected semantics in DESIGN.md (the original's check was inverted).
func (c *Connection) Listen(localPort uint16) error {
	if c.state != StateIdle {
		return atperr.StateViolation.Newf("listen illegal in state %s", c.state)
	}
	if err := c.ctx.registerListener(localPort, c); err != nil {
		return err
	}
	c.listenPort = localPort
	return c.setState(StateListen)
}

// Connect initiates the three-way handshake to peerAddr.
func (c *Connection) Connect(peerAddr net.Addr) error {
	if c.state != StateIdle {
		return atperr.StateViolation.Newf("connect illegal in state %s", c.state)
	}
	c.peerAddr = peerAddr
	if err := c.ctx.register(c); err != nil {
		return err
	}
	c.seqNr = c.initialSeqNr()
	if err := c.setState(StateSynSent); err != nil {
		return err
	}
	return c.sendHandshake(CreateFlags(FlagSYN))
}

// initialSeqNr seeds this connection's starting seq_nr through GET_RANDOM,
// mirroring atp_socket.cpp's "seq_nr = rand() & 0xffff" at both connect()
// and the listening side's handshake reply. GET_RANDOM left unwired is a
// no-op per §4.2.4, so an unconfigured host still gets a deterministic (if
// no longer random) starting sequence of 0 rather than an error.
func (c *Connection) initialSeqNr() uint16 {
	buf := make([]byte, 2)
	c.invoke(CallbackGetRandom, buf, nil, nil)
	return binary.BigEndian.Uint16(buf)
}

// Write submits data for reliable delivery. Legal once established, and
// also in CLOSE_WAIT: the passive closer may still have unsent data in the
// half-close window between receiving the peer's FIN and sending its own
// (§8 scenario 6). Oversized single writes are rejected rather than split,
// per §4.2.3.
func (c *Connection) Write(data []byte) error {
	if !c.state.isEstablished() && c.state != StateCloseWait {
		return atperr.StateViolation.Newf("write illegal in state %s", c.state)
	}
	if len(data) > ATPMSSCeiling {
		return atperr.StateViolation.Newf("write of %d bytes exceeds ATP_MSS_CEILING (%d); caller must split", len(data), ATPMSSCeiling)
	}
	return c.sendControl(CreateFlags(FlagACK), data)
}

// Close begins teardown. In CONNECTED/CONNECTED_FULL this is an active
// close (FIN_WAIT_1); mid-handshake it resets the connection per §5's
// cancellation rule; in CLOSE_WAIT it is the passive closer's own FIN.
func (c *Connection) Close() error {
	switch c.state {
	case StateSynSent, StateSynRecv:
		err := atperr.StateViolation.New("close during handshake")
		c.invoke(CallbackOnError, nil, nil, err)
		return c.reset(err, true)
	case StateConnected, StateConnectedFull:
		if err := c.setState(StateFinWait1); err != nil {
			return err
		}
		return c.sendControl(CreateFlags(FlagFIN, FlagACK), nil)
	case StateCloseWait:
		if err := c.setState(StateLastAck); err != nil {
			return err
		}
		return c.sendControl(CreateFlags(FlagFIN, FlagACK), nil)
	default:
		return atperr.StateViolation.Newf("close illegal in state %s", c.state)
	}
}

// reset transitions to RESET and tears the connection down. notifyPeer is
// true when this side is the one deciding to reset (so the peer must be
// told); it is false when the RESET was itself caused by an inbound RST,
// which must not be echoed back.
func (c *Connection) reset(cause error, notifyPeer bool) error {
	if notifyPeer {
		c.sendRST()
	}
	c.state = StateReset
	if c.ctx != nil && c.ctx.metrics != nil {
		c.ctx.metrics.Resets.Inc()
	}
	c.invoke(CallbackOnStateChange, nil, nil, nil)
	return c.destroy(cause)
}

// sendRST fires a best-effort bare RST; failures are not surfaced since the
// connection is already being torn down.
func (c *Connection) sendRST() {
	h := Header{SeqNr: c.seqNr, AckNr: c.ackNr, PeerSockID: c.peerSockID, Flags: CreateFlags(FlagRST)}
	if buf, err := Encode(h, nil); err == nil {
		_ = c.transmit(&OutgoingPacket{SeqNr: h.SeqNr, Encoded: buf})
	}
}

func (c *Connection) destroy(cause error) error {
	c.state = StateDestroy
	c.invoke(CallbackOnDestroy, nil, nil, cause)
	if c.ctx != nil {
		c.ctx.deregister(c)
	}
	return nil
}

// --- send / retransmission path ---------------------------------------

// encodeSockID/decodeSockID pack the handshake payload that carries a
// connection's own sock_id to its peer, per §3: "communicated to the peer
// in the payload of the handshake packets so the peer can demultiplex".
func encodeSockID(id uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, id)
	return b
}

func decodeSockID(payload []byte) (uint16, error) {
	if len(payload) < 2 {
		return 0, atperr.MalformedPacket.New("handshake payload shorter than a sock_id")
	}
	return binary.BigEndian.Uint16(payload[:2]), nil
}

// sendHandshake sends a SYN or SYN+ACK carrying this connection's own
// sock_id in the payload. The header's peer_sock_id field is set to
// whatever we already know of the peer's sock_id (zero for the initial
// SYN, the value learned from the inbound SYN for a SYN+ACK reply).
func (c *Connection) sendHandshake(flags Flags) error {
	return c.sendControl(flags, encodeSockID(c.handle.sockID))
}

func (c *Connection) sendControl(flags Flags, payload []byte) error {
	h := Header{
		SeqNr:      c.seqNr,
		AckNr:      c.ackNr,
		PeerSockID: c.peerSockID,
		Flags:      flags,
	}
	buf, err := Encode(h, payload)
	if err != nil {
		return errors.Wrapf(err, "encoding seq_nr %d", c.seqNr)
	}
	op := &OutgoingPacket{SeqNr: c.seqNr, Encoded: buf, PayloadLen: len(payload)}
	if flags.Has(FlagSYN) || flags.Has(FlagFIN) || len(payload) > 0 {
		c.out.push(op)
	}
	if flags.Has(FlagFIN) {
		c.finalSeq = c.seqNr
		c.finSent = true
	}
	c.seqNr++
	return c.transmit(op)
}

// sendBareAck transmits an ACK-only packet carrying the current ack_nr
// without consuming a sequence number or entering outbuf, matching the
// deferred cumulative ACK described in §4.2.2.
func (c *Connection) sendBareAck() error {
	h := Header{
		SeqNr:      c.seqNr,
		AckNr:      c.ackNr,
		PeerSockID: c.peerSockID,
		Flags:      CreateFlags(FlagACK),
	}
	buf, err := Encode(h, nil)
	if err != nil {
		return errors.Wrapf(err, "encoding bare ack for ack_nr %d", c.ackNr)
	}
	return c.transmit(&OutgoingPacket{SeqNr: h.SeqNr, Encoded: buf})
}

func (c *Connection) transmit(op *OutgoingPacket) error {
	op.SentAt = time.Now()
	c.rtoDeadline = op.SentAt.Add(c.rto)
	res := c.invoke(CallbackSendto, op.Encoded, c.peerAddr, nil)
	if res == ResultError {
		err := atperr.SendFailed.Newf("sendto failed for seq_nr %d", op.SeqNr)
		c.invoke(CallbackOnError, nil, nil, err)
		return err
	}
	return nil
}

// Tick drives RTO-based retransmission; the host calls it no more often
// than TimeEventIntervalMax and never closer to RTOMin than that interval,
// per §4.2.3.
func (c *Connection) Tick(now time.Time) error {
	if c.state == StateTimeWait {
		if !now.Before(c.timeWaitDeadline) {
			return c.destroy(nil)
		}
		return nil
	}
	op := c.out.oldest()
	if op == nil {
		return nil
	}
	deadline := op.SentAt.Add(c.rto)
	if now.Before(deadline) {
		return nil
	}
	if op.Retransmits >= c.maxRetransmits {
		err := atperr.HandshakeTimeout.Newf("seq_nr %d exhausted %d retransmits", op.SeqNr, c.maxRetransmits)
		c.invoke(CallbackOnError, nil, nil, err)
		return c.reset(err, true)
	}
	op.Retransmits++
	c.retransmits++
	if c.ctx != nil && c.ctx.metrics != nil {
		c.ctx.metrics.Retransmissions.Inc()
	}
	c.rto *= 2
	if c.rto > RTOMax*time.Millisecond {
		c.rto = RTOMax * time.Millisecond
	}
	return c.transmit(op)
}

func (c *Connection) onProgress() {
	c.rto /= 2
	if c.rto < RTOMin*time.Millisecond {
		c.rto = RTOMin * time.Millisecond
	}
}

// --- inbound processing -------------------------------------------------

// Process decodes and dispatches one inbound datagram. It is the core's
// single entry point for data arriving from the network.
func (c *Connection) Process(buf []byte) Result {
	h, payload, err := Decode(buf)
	if err != nil {
		c.malformedPackets++
		if c.ctx != nil && c.ctx.metrics != nil {
			c.ctx.metrics.MalformedPackets.Inc()
		}
		return ResultDrop
	}
	return c.handleDecoded(h, payload)
}

// handleDecoded dispatches an already-decoded packet. Exported within the
// package so Context can hand a Connection a packet it decoded itself while
// demultiplexing, instead of decoding twice.
func (c *Connection) handleDecoded(h Header, payload []byte) Result {
	if h.GetRst() {
		return c.HandleRST()
	}
	if h.GetSyn() && !h.GetAck() {
		return c.handleSyn(h, payload)
	}
	if h.GetSyn() && h.GetAck() {
		return c.handleSynAck(h, payload)
	}

	switch c.state {
	case StateUninitialized, StateIdle, StateListen, StatePassiveListen, StateDestroy:
		return ResultDrop
	case StateSynSent:
		return ResultDrop // neither SYN nor SYN+ACK while awaiting the handshake
	case StateSynRecv:
		if !h.GetAck() {
			return ResultDrop
		}
		if err := c.setState(StateConnected); err != nil {
			return ResultError
		}
		c.handleAck(h.AckNr) // acks our own SYN+ACK, popping it from outbuf
		c.invoke(CallbackOnEstablished, nil, nil, nil)
		return ResultOK
	case StateReset:
		return ResultDrop
	case StateTimeWait:
		// The peer's FIN was already delivered; a FIN seen here is its
		// retransmission and is re-acked. Anything else is dropped.
		if h.GetFin() {
			return c.handleFin()
		}
		return ResultDrop
	}

	// A pure ACK (no payload, no FIN) carries no position in the ordered
	// delivery stream: sendBareAck stamps it with whatever seq_nr is next
	// to be used without consuming it, so that losing one never leaves a
	// permanent gap a retransmission could fill (§7: pure ACKs are never
	// retried). Running it through ackAndReorder would both falsely
	// advance ack_nr and, the next time that same seq_nr is legitimately
	// used by a real packet, cause it to be dropped as a duplicate. See
	// §8's "zero-length payload ACKs" boundary case.
	var advanced, finDelivered, duplicate bool
	if len(payload) > 0 || h.GetFin() {
		advanced, finDelivered, duplicate = c.ackAndReorder(h, payload)
	}

	// A FIN that arrives ahead of still-missing data is cached like any
	// other out-of-order packet and must not be acted on until the reorder
	// buffer actually drains it into the delivered stream: processing it
	// the instant it's seen would advance the FSM and ack a stale ack_nr
	// before the data in front of it has arrived (§4.2.2, §8's "FIN
	// concurrent with out-of-order data" case). finDelivered is only true
	// once ackAndReorder has actually delivered the packet carrying FlagFIN.
	// A FIN that is instead a duplicate (already covered by ack_nr, most
	// often the peer retransmitting its FIN because our ack was lost) has
	// already been delivered in an earlier call, so it's safe — and
	// necessary, to stop the peer's RTO from retrying forever — to run
	// handleFin again; its CLOSE_WAIT/TIME_WAIT branches are idempotent.
	if finDelivered || (h.GetFin() && duplicate) {
		res := c.handleFin()
		if res != ResultOK {
			return res
		}
	} else if advanced {
		if err := c.sendBareAck(); err != nil {
			return ResultError
		}
	}

	if h.GetAck() {
		c.handleAck(h.AckNr)
	}

	return ResultOK
}

// handleSyn processes an inbound SYN. The peer's sock_id travels in the
// handshake payload, not the header's peer_sock_id field: at this point the
// peer can't yet know what sock_id we'll assign this connection, so the
// header field is meaningless until both sides have exchanged one.
func (c *Connection) handleSyn(h Header, payload []byte) Result {
	if c.state != StateIdle && c.state != StateListen {
		return ResultDrop
	}
	peerSockID, err := decodeSockID(payload)
	if err != nil {
		c.malformedPackets++
		return ResultDrop
	}
	c.peerSockID = peerSockID
	c.ackNr = h.SeqNr
	if serr := c.setState(StateSynRecv); serr != nil {
		return ResultError
	}
	c.seqNr = c.initialSeqNr()
	c.invoke(CallbackOnAccept, nil, c.peerAddr, nil)
	if serr := c.sendHandshake(CreateFlags(FlagSYN, FlagACK)); serr != nil {
		return ResultError
	}
	return ResultOK
}

func (c *Connection) handleSynAck(h Header, payload []byte) Result {
	if c.state != StateSynSent {
		return ResultDrop
	}
	peerSockID, err := decodeSockID(payload)
	if err != nil {
		c.malformedPackets++
		return ResultDrop
	}
	c.peerSockID = peerSockID
	c.ackNr = h.SeqNr
	if serr := c.setState(StateConnected); serr != nil {
		return ResultError
	}
	c.handleAck(h.AckNr) // acks our own SYN, popping it from outbuf
	if serr := c.sendBareAck(); serr != nil {
		return ResultError
	}
	c.invoke(CallbackOnEstablished, nil, nil, nil)
	return ResultOK
}

// ackAndReorder implements §4.2.2: drop stale/duplicate, deliver in-order
// payload and drain the reorder buffer, or cache a future packet. Returns
// whether ack_nr advanced at least once; whether the packet carrying
// FlagFIN was among those actually delivered (immediately, or drained out
// of the reorder buffer once the gap in front of it filled) as opposed to
// merely cached because it arrived ahead of still-missing data; and
// whether h itself was a stale duplicate already covered by ack_nr.
func (c *Connection) ackAndReorder(h Header, payload []byte) (advanced, finDelivered, duplicate bool) {
	s := h.SeqNr
	if seqLessEq(s, c.ackNr) {
		return false, false, true
	}
	if s != c.ackNr+1 {
		c.in.cache(cachedPacket{seqNr: s, payload: payload, fin: h.GetFin()})
		return false, false, false
	}

	c.deliver(payload)
	advanced = true
	finDelivered = h.GetFin()

	for {
		next, ok := c.in.peekMin()
		if !ok || next.seqNr != c.ackNr+1 {
			break
		}
		c.in.popMin()
		c.deliver(next.payload)
		if next.fin {
			finDelivered = true
		}
	}
	return advanced, finDelivered, false
}

func (c *Connection) deliver(payload []byte) {
	c.ackNr++
	if len(payload) > 0 {
		c.invoke(CallbackOnRecv, payload, nil, nil)
	}
}

func (c *Connection) handleAck(ackNr uint16) {
	n := c.out.popAcked(ackNr)
	if seqGreaterEq(ackNr, c.mySeqAckedByPeer) {
		c.mySeqAckedByPeer = ackNr
	}
	if n > 0 {
		c.onProgress()
	}

	switch c.state {
	case StateFinWait1:
		if c.finSent && ackNr == c.finalSeq {
			_ = c.setState(StateFinWait2)
		}
	case StateLastAck:
		if ackNr == c.finalSeq {
			_ = c.destroy(nil)
		}
	}
}

// handleFin applies the deferred effect of a FIN that has now actually been
// delivered in order (see ackAndReorder's finDelivered return): transition
// toward CLOSE_WAIT/TIME_WAIT and ack, per §4.2.2/§4.2.1.
func (c *Connection) handleFin() Result {
	switch c.state {
	case StateConnected, StateConnectedFull:
		if err := c.setState(StateCloseWait); err != nil {
			return ResultError
		}
		if err := c.sendBareAck(); err != nil {
			return ResultError
		}
		c.invoke(CallbackOnPeerClose, nil, nil, nil)
		return ResultOK
	case StateFinWait2:
		if err := c.setState(StateTimeWait); err != nil {
			return ResultError
		}
		if err := c.sendBareAck(); err != nil {
			return ResultError
		}
		c.timeWaitDeadline = time.Now().Add(2 * MSL)
		return ResultOK
	case StateCloseWait, StateTimeWait:
		return c.sendBareAckResult()
	default:
		return ResultDrop
	}
}

func (c *Connection) sendBareAckResult() Result {
	if err := c.sendBareAck(); err != nil {
		return ResultError
	}
	return ResultOK
}

// HandleRST processes an inbound RST, legal from any state per §4.2.1.
func (c *Connection) HandleRST() Result {
	err := atperr.PeerReset.New("peer sent RST")
	if rerr := c.reset(err, false); rerr != nil {
		return ResultError
	}
	return ResultFinish
}
