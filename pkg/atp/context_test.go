package atp

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(port int) net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func TestNewConnectionSockIDsAreDistinct(t *testing.T) {
	ctx := NewContext(context.Background(), nil)
	seen := map[uint16]bool{}
	for i := 0; i < 10; i++ {
		c, err := ctx.NewConnection()
		require.NoError(t, err)
		assert.False(t, seen[c.SockID()], "sock_id %d reused among live connections", c.SockID())
		seen[c.SockID()] = true
		c.peerAddr = addr(6000 + i)
		require.NoError(t, ctx.register(c))
	}
}

func TestRegisterListenerRejectsDuplicatePort(t *testing.T) {
	ctx := NewContext(context.Background(), nil)
	a, err := ctx.NewConnection()
	require.NoError(t, err)
	b, err := ctx.NewConnection()
	require.NoError(t, err)

	require.NoError(t, a.Listen(9000))
	// The original implementation's inverted check would have let this
	// second Listen silently steal the port; the corrected behavior rejects
	// it outright.
	err = b.Listen(9000)
	require.Error(t, err)
}

func TestLookupIsExactMatchOnly(t *testing.T) {
	ctx := NewContext(context.Background(), nil)
	c, err := ctx.NewConnection()
	require.NoError(t, err)
	c.peerAddr = addr(7000)
	require.NoError(t, ctx.register(c))

	h := Header{PeerSockID: c.SockID()}
	assert.Same(t, c, ctx.Lookup(addr(7000), h))
	assert.Nil(t, ctx.Lookup(addr(7001), h), "a different peer address must not match")

	otherHeader := Header{PeerSockID: c.SockID() + 1}
	assert.Nil(t, ctx.Lookup(addr(7000), otherHeader), "an unregistered sock_id must not match")
}

func TestDispatchSpawnsChildOnSynAndKeepsListenerAlive(t *testing.T) {
	ctxB := NewContext(context.Background(), nil)
	listener, err := ctxB.NewConnection()
	require.NoError(t, err)
	require.NoError(t, listener.Listen(9000))

	var spawned *Connection
	listener.SetCallback(CallbackOnAccept, func(args CallbackArgs) Result {
		spawned = args.Conn
		return ResultOK
	})

	synHeader := Header{SeqNr: 0x1000, Flags: CreateFlags(FlagSYN)}
	synBuf, err := Encode(synHeader, encodeSockID(42))
	require.NoError(t, err)

	res := ctxB.Dispatch(synBuf, addr(5000), 9000)
	assert.Equal(t, ResultOK, res)
	require.NotNil(t, spawned)
	assert.NotEqual(t, listener.SockID(), spawned.SockID())
	assert.Equal(t, StateSynRecv, spawned.State())
	assert.Equal(t, StateListen, listener.State(), "the listener itself must stay in LISTEN")

	// A second inbound SYN from a different peer spawns a second child.
	var secondSpawned *Connection
	listener.SetCallback(CallbackOnAccept, func(args CallbackArgs) Result {
		secondSpawned = args.Conn
		return ResultOK
	})
	synBuf2, err := Encode(Header{SeqNr: 0x3000, Flags: CreateFlags(FlagSYN)}, encodeSockID(43))
	require.NoError(t, err)
	res = ctxB.Dispatch(synBuf2, addr(5001), 9000)
	assert.Equal(t, ResultOK, res)
	require.NotNil(t, secondSpawned)
	assert.NotEqual(t, spawned.SockID(), secondSpawned.SockID())
}

func TestDispatchDropsUnmatchedNonSyn(t *testing.T) {
	ctx := NewContext(context.Background(), nil)
	buf, err := Encode(Header{SeqNr: 1, Flags: CreateFlags(FlagACK)}, nil)
	require.NoError(t, err)
	assert.Equal(t, ResultDrop, ctx.Dispatch(buf, addr(1234), 9000))
}

func TestDispatchDropsMalformed(t *testing.T) {
	metrics := NewMetrics("t")
	ctx := NewContext(context.Background(), metrics)
	res := ctx.Dispatch([]byte{0, 1, 2}, addr(1234), 9000)
	assert.Equal(t, ResultDrop, res)
}

func TestShutdownClosesLiveConnections(t *testing.T) {
	ctx := NewContext(context.Background(), nil)
	c, err := ctx.NewConnection()
	require.NoError(t, err)
	c.peerAddr = addr(7000)
	require.NoError(t, ctx.register(c))
	require.NoError(t, c.setState(StateSynSent))
	require.NoError(t, c.setState(StateConnected))

	var sent bool
	c.SetCallback(CallbackSendto, func(args CallbackArgs) Result {
		sent = true
		return ResultOK
	})

	require.NoError(t, ctx.Shutdown())
	assert.True(t, sent, "Shutdown should drive an active Close on every live connection")
	assert.Equal(t, StateFinWait1, c.State())
}
