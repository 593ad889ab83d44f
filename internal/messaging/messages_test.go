package messaging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadMessageKeepAlive(t *testing.T) {
	msg, err := ReadMessage(bytes.NewReader(KeepAlive()))
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestReadNonKeepAliveSkipsKeepAlives(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(KeepAlive())
	buf.Write(KeepAlive())
	buf.Write(UnchokeMsg())

	msg, err := ReadNonKeepAlive(&buf)
	require.NoError(t, err)
	require.Equal(t, Unchoke, msg.ID)
}

func TestSimpleMessagesRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		wire []byte
		id   ID
	}{
		{"choke", ChokeMsg(), Choke},
		{"unchoke", UnchokeMsg(), Unchoke},
		{"interested", InterestedMsg(), Interested},
		{"not_interested", NotInterestedMsg(), NotInterested},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			msg, err := ReadMessage(bytes.NewReader(c.wire))
			require.NoError(t, err)
			require.Equal(t, c.id, msg.ID)
			require.Empty(t, msg.Payload)
		})
	}
}

func TestHaveRoundTrip(t *testing.T) {
	msg, err := ReadMessage(bytes.NewReader(HaveMsg(42)))
	require.NoError(t, err)
	require.Equal(t, Have, msg.ID)
	idx, err := ParseHave(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, uint32(42), idx)
}

func TestBitfieldRoundTrip(t *testing.T) {
	bits := []byte{0xFF, 0x0F}
	msg, err := ReadMessage(bytes.NewReader(BitfieldMsg(bits)))
	require.NoError(t, err)
	require.Equal(t, Bitfield, msg.ID)
	require.Equal(t, bits, msg.Payload)
}

func TestRequestAndCancelRoundTrip(t *testing.T) {
	msg, err := ReadMessage(bytes.NewReader(RequestMsg(1, 16384, 16384)))
	require.NoError(t, err)
	require.Equal(t, Request, msg.ID)
	req, err := ParseRequest(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, &RequestPayload{Index: 1, Begin: 16384, Length: 16384}, req)

	msg, err = ReadMessage(bytes.NewReader(CancelMsg(1, 16384, 16384)))
	require.NoError(t, err)
	require.Equal(t, Cancel, msg.ID)
}

func TestPieceRoundTrip(t *testing.T) {
	block := []byte("some block data")
	msg, err := ReadMessage(bytes.NewReader(PieceMsg(3, 32768, block)))
	require.NoError(t, err)
	require.Equal(t, Piece, msg.ID)
	p, err := ParsePiece(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, uint32(3), p.Index)
	require.Equal(t, uint32(32768), p.Begin)
	require.Equal(t, block, p.Block)
}

func TestParseHaveRejectsBadLength(t *testing.T) {
	_, err := ParseHave([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestParseRequestRejectsBadLength(t *testing.T) {
	_, err := ParseRequest([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var lenBuf [4]byte
	lenBuf[0] = 0xFF // absurdly large length
	_, err := ReadMessage(bytes.NewReader(lenBuf[:]))
	require.Error(t, err)
}
