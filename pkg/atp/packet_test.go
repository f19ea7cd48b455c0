package atp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinneo/atpcore/pkg/atperr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		h       Header
		payload []byte
	}{
		{"empty payload", Header{SeqNr: 1, AckNr: 0, PeerSockID: 7, Flags: CreateFlags(FlagSYN)}, nil},
		{"with payload", Header{SeqNr: 0x2001, AckNr: 0x1000, PeerSockID: 9, WindowSize: 4096, Flags: CreateFlags(FlagACK)}, []byte("HELLO")},
		{"all flags", Header{SeqNr: 5, AckNr: 4, Flags: CreateFlags(FlagSYN, FlagACK, FlagFIN, FlagURG, FlagRST)}, []byte{1, 2, 3}},
		{"opts_count preserved", Header{SeqNr: 1, OptsCount: 3}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := Encode(tc.h, tc.payload)
			require.NoError(t, err)
			assert.Len(t, buf, HeaderLen+len(tc.payload))

			gotH, gotPayload, err := Decode(buf)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.h, gotH); diff != "" {
				t.Errorf("header mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tc.payload, gotPayload)
		})
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, _, err := Decode(make([]byte, HeaderLen-1))
	require.Error(t, err)
	assert.Equal(t, atperr.MalformedPacket, atperr.GetCategory(err))
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(Header{}, make([]byte, MaxATPPayload+1))
	require.Error(t, err)
}

func TestFlagAccessors(t *testing.T) {
	h := Header{Flags: CreateFlags(FlagSYN, FlagACK)}
	assert.True(t, h.GetSyn())
	assert.True(t, h.GetAck())
	assert.False(t, h.GetFin())
	assert.False(t, h.GetRst())
	assert.Equal(t, "SA", h.Flags.String())
}

func TestFlagsStringNoFlags(t *testing.T) {
	assert.Equal(t, "-", Flags(0).String())
}
