package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"cxdb/cxdberr"
)

func TestWriteFrameThenReadFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello world")
	require.NoError(t, WriteFrame(&buf, MsgHello, 0, 42, payload))

	hdr, got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, MsgHello, hdr.MsgType)
	require.Equal(t, uint64(42), hdr.ReqID)
	require.Equal(t, uint32(len(payload)), hdr.PayloadLen)
	require.Equal(t, payload, got)
}

func TestReadFrameReturnsEOFOnEmptyStream(t *testing.T) {
	_, _, err := ReadFrame(&bytes.Buffer{})
	require.ErrorIs(t, err, io.EOF)
}

func TestHelloRoundTrip(t *testing.T) {
	req := HelloRequest{ProtocolVersion: 1, ClientTag: "claude-code"}
	var buf []byte
	buf = binaryAppendU32(buf, req.ProtocolVersion)
	buf = binaryAppendU32(buf, uint32(len(req.ClientTag)))
	buf = append(buf, req.ClientTag...)

	got, err := ParseHello(buf)
	require.NoError(t, err)
	require.Equal(t, req, got)

	resp := EncodeHelloResp(7, 1)
	require.Len(t, resp, 12)
}

func TestParseAppendTurnRoundTrip(t *testing.T) {
	var payload []byte
	payload = binaryAppendU64(payload, 100)  // context id
	payload = binaryAppendU64(payload, 0)    // parent turn id
	typeID := "com.example.Echo"
	payload = binaryAppendU32(payload, uint32(len(typeID)))
	payload = append(payload, typeID...)
	payload = binaryAppendU32(payload, 1) // type version
	payload = binaryAppendU32(payload, 1) // encoding
	payload = binaryAppendU32(payload, 0) // compression
	body := []byte("hi")
	payload = binaryAppendU32(payload, uint32(len(body))) // uncompressed len
	var hash [32]byte
	hash[0] = 0xAB
	payload = append(payload, hash[:]...)
	payload = binaryAppendU32(payload, uint32(len(body)))
	payload = append(payload, body...)

	req, err := ParseAppendTurn(payload, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(100), req.ContextID)
	require.Equal(t, "com.example.Echo", req.DeclaredTypeID)
	require.Equal(t, body, req.PayloadBytes)
	require.Nil(t, req.FsRootHash)
}

func TestParseAppendTurnRejectsTruncatedPayload(t *testing.T) {
	_, err := ParseAppendTurn([]byte{1, 2, 3}, 0)
	require.Error(t, err)
}

func TestErrorCodeMapping(t *testing.T) {
	require.Equal(t, uint32(404), ErrorCode(cxdberr.NotFound("missing")))
	require.Equal(t, uint32(422), ErrorCode(cxdberr.InvalidInput("bad")))
	require.Equal(t, uint32(500), ErrorCode(cxdberr.Corrupt("bad crc")))
}

func TestSessionTrackerLifecycle(t *testing.T) {
	tracker := NewSessionTracker()
	id := tracker.RegisterSession()
	require.Equal(t, 1, tracker.Count())

	tracker.Register(id, "test-client", "127.0.0.1:1234")
	tracker.AddContext(id, 55)

	info, ok := tracker.Get(id)
	require.True(t, ok)
	require.Equal(t, "test-client", info.ClientTag)
	require.Contains(t, info.Contexts, uint64(55))

	contexts := tracker.Unregister(id)
	require.Equal(t, []uint64{55}, contexts)
	require.Equal(t, 0, tracker.Count())
}

func TestPutBlobRoundTrip(t *testing.T) {
	var hash [32]byte
	hash[0] = 0x01
	data := []byte("blob data")

	var payload []byte
	payload = append(payload, hash[:]...)
	payload = binaryAppendU32(payload, uint32(len(data)))
	payload = append(payload, data...)

	req, err := ParsePutBlob(payload)
	require.NoError(t, err)
	require.Equal(t, hash, req.Hash)
	require.Equal(t, data, req.Data)

	resp := EncodePutBlobResp(hash, true)
	require.Equal(t, hash[:], resp[:32])
	require.Equal(t, byte(1), resp[32])
}

func binaryAppendU64(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return append(buf, b...)
}

func binaryAppendU32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return append(buf, b...)
}
