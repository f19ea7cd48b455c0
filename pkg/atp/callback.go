package atp

import "net"

// CallbackKind identifies one of the fixed callback slots a host may wire
// up on a Connection. Order matches the spec's enumeration; callbackCount
// is not itself a slot and sizes the callback table.
type CallbackKind int

const (
	CallbackOnError CallbackKind = iota
	CallbackOnStateChange
	CallbackGetReadBufferSize
	CallbackGetRandom
	CallbackLog
	CallbackSocket
	CallbackBind
	CallbackConnect
	CallbackBeforeAccept
	CallbackOnAccept
	CallbackOnEstablished
	CallbackSendto
	CallbackOnRecv
	CallbackOnRecvUrg
	CallbackOnPeerClose
	CallbackOnDestroy
	CallbackOnUrgTimeout
	CallbackBeforeRepAccept
	CallbackOnFork
	callbackCount
)

func (k CallbackKind) String() string {
	switch k {
	case CallbackOnError:
		return "ON_ERROR"
	case CallbackOnStateChange:
		return "ON_STATE_CHANGE"
	case CallbackGetReadBufferSize:
		return "GET_READ_BUFFER_SIZE"
	case CallbackGetRandom:
		return "GET_RANDOM"
	case CallbackLog:
		return "LOG"
	case CallbackSocket:
		return "SOCKET"
	case CallbackBind:
		return "BIND"
	case CallbackConnect:
		return "CONNECT"
	case CallbackBeforeAccept:
		return "BEFORE_ACCEPT"
	case CallbackOnAccept:
		return "ON_ACCEPT"
	case CallbackOnEstablished:
		return "ON_ESTABLISHED"
	case CallbackSendto:
		return "SENDTO"
	case CallbackOnRecv:
		return "ON_RECV"
	case CallbackOnRecvUrg:
		return "ON_RECVURG"
	case CallbackOnPeerClose:
		return "ON_PEERCLOSE"
	case CallbackOnDestroy:
		return "ON_DESTROY"
	case CallbackOnUrgTimeout:
		return "ON_URG_TIMEOUT"
	case CallbackBeforeRepAccept:
		return "BEFORE_REP_ACCEPT"
	case CallbackOnFork:
		return "ON_FORK"
	default:
		return "UNKNOWN"
	}
}

// CallbackArgs bundles the arguments passed to every callback slot. Only the
// fields relevant to a given Kind are populated; the rest are left zero.
// This mirrors the original's single tagged-union argument struct, flattened
// into plain Go fields since Go has no native union.
type CallbackArgs struct {
	Conn  *Connection
	Kind  CallbackKind
	Data  []byte
	State State

	Addr      net.Addr // SENDTO, BEFORE_ACCEPT, ON_ACCEPT
	ErrorCode error    // ON_ERROR; ON_DESTROY (the cause, nil on a graceful close)
}

// CallbackFunc is the signature every callback slot implements.
type CallbackFunc func(args CallbackArgs) Result

// CallbackTable holds one optional CallbackFunc per slot. A zero CallbackTable
// is valid: every slot behaves as a no-op returning ResultOK.
type CallbackTable struct {
	slots [callbackCount]CallbackFunc
}

// Set installs fn in the given slot, replacing whatever was there.
func (t *CallbackTable) Set(kind CallbackKind, fn CallbackFunc) {
	t.slots[kind] = fn
}

// Invoke calls the callback installed at kind, defaulting to ResultOK if the
// slot is unset, exactly as the spec requires ("absent = no-op returning
// OK").
func (t *CallbackTable) Invoke(kind CallbackKind, args CallbackArgs) Result {
	fn := t.slots[kind]
	if fn == nil {
		return ResultOK
	}
	args.Kind = kind
	return fn(args)
}
