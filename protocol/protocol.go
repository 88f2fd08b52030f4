// Package protocol implements the length-prefixed binary frame format
// spoken over the TCP listener, the per-message request/response
// encodings, and the per-connection session tracker. A request and its
// reply share a request id; any handler failure is reported as an
// Error frame with a numeric code, and the connection stays open.
package protocol

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"cxdb/cxdberr"
)

// MsgType discriminates frame payloads.
type MsgType uint16

const (
	MsgHello MsgType = iota + 1
	MsgCtxCreate
	MsgCtxFork
	MsgGetHead
	MsgAppendTurn
	MsgAttachFs
	MsgPutBlob
	MsgGetLast
	MsgGetBlob
	MsgError
)

const frameHeaderSize = 2 + 2 + 8 + 4 // msg_type u16, flags u16, req_id u64, payload_len u32

// FrameHeader is the fixed-size prefix of every wire frame.
type FrameHeader struct {
	MsgType    MsgType
	Flags      uint16
	ReqID      uint64
	PayloadLen uint32
}

// ReadFrame reads one frame's header and payload from r.
func ReadFrame(r io.Reader) (FrameHeader, []byte, error) {
	hdr := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.EOF {
			return FrameHeader{}, nil, err
		}
		return FrameHeader{}, nil, cxdberr.Io(err)
	}

	h := FrameHeader{
		MsgType:    MsgType(binary.LittleEndian.Uint16(hdr[0:2])),
		Flags:      binary.LittleEndian.Uint16(hdr[2:4]),
		ReqID:      binary.LittleEndian.Uint64(hdr[4:12]),
		PayloadLen: binary.LittleEndian.Uint32(hdr[12:16]),
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return FrameHeader{}, nil, cxdberr.Io(err)
		}
	}
	return h, payload, nil
}

// WriteFrame writes a frame with the given msgType, flags, reqID, and
// payload to w.
func WriteFrame(w io.Writer, msgType MsgType, flags uint16, reqID uint64, payload []byte) error {
	buf := make([]byte, 0, frameHeaderSize+len(payload))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(msgType))
	buf = binary.LittleEndian.AppendUint16(buf, flags)
	buf = binary.LittleEndian.AppendUint64(buf, reqID)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return cxdberr.Io(err)
	}
	return nil
}

// --- Error frame ---

// ErrorCode maps a cxdberr.Kind onto the numeric code carried in an
// Error frame, per the spec's HTTP-status-equivalent mapping.
func ErrorCode(err error) uint32 {
	kind, ok := cxdberr.KindOf(err)
	if !ok {
		return 500
	}
	switch kind {
	case cxdberr.KindNotFound:
		return 404
	case cxdberr.KindInvalidInput:
		return 422
	default:
		return 500
	}
}

// EncodeError builds an Error frame payload: code u32, detail_len u32,
// detail bytes.
func EncodeError(code uint32, detail string) []byte {
	buf := make([]byte, 0, 8+len(detail))
	buf = binary.LittleEndian.AppendUint32(buf, code)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(detail)))
	buf = append(buf, detail...)
	return buf
}

// --- Hello ---

type HelloRequest struct {
	ProtocolVersion uint32
	ClientTag       string
}

func ParseHello(payload []byte) (HelloRequest, error) {
	if len(payload) < 8 {
		return HelloRequest{}, cxdberr.InvalidInput("hello payload too short")
	}
	version := binary.LittleEndian.Uint32(payload[0:4])
	tagLen := binary.LittleEndian.Uint32(payload[4:8])
	if uint32(len(payload)) < 8+tagLen {
		return HelloRequest{}, cxdberr.InvalidInput("hello payload truncated")
	}
	return HelloRequest{
		ProtocolVersion: version,
		ClientTag:       string(payload[8 : 8+tagLen]),
	}, nil
}

// EncodeHelloResp builds a Hello response: session_id u64,
// protocol_version u32.
func EncodeHelloResp(sessionID uint64, protocolVersion uint32) []byte {
	buf := make([]byte, 0, 12)
	buf = binary.LittleEndian.AppendUint64(buf, sessionID)
	buf = binary.LittleEndian.AppendUint32(buf, protocolVersion)
	return buf
}

// --- CtxCreate / CtxFork / GetHead (share a response shape) ---

func ParseCtxCreate(payload []byte) (uint64, error) { return parseU64Only(payload) }
func ParseCtxFork(payload []byte) (uint64, error)   { return parseU64Only(payload) }
func ParseGetHead(payload []byte) (uint64, error)   { return parseU64Only(payload) }

func parseU64Only(payload []byte) (uint64, error) {
	if len(payload) != 8 {
		return 0, cxdberr.InvalidInput("expected an 8-byte u64 payload")
	}
	return binary.LittleEndian.Uint64(payload), nil
}

// EncodeHeadResp builds the response shared by CtxCreate, CtxFork, and
// GetHead: context_id u64, head_turn_id u64, head_depth u32.
func EncodeHeadResp(contextID, headTurnID uint64, headDepth uint32) []byte {
	buf := make([]byte, 0, 20)
	buf = binary.LittleEndian.AppendUint64(buf, contextID)
	buf = binary.LittleEndian.AppendUint64(buf, headTurnID)
	buf = binary.LittleEndian.AppendUint32(buf, headDepth)
	return buf
}

// --- AppendTurn ---

const appendTurnFsFlag uint16 = 0x1

type AppendTurnRequest struct {
	ContextID           uint64
	ParentTurnID        uint64
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	Compression         uint32
	UncompressedLen     uint32
	ContentHash         [32]byte
	PayloadBytes        []byte
	FsRootHash          *[32]byte
}

// ParseAppendTurn decodes an AppendTurn request. flags carries
// appendTurnFsFlag when an fs_root_hash trailer is present; out of
// scope for this deployment, so it is parsed (to stay frame-aligned
// with peers that send it) but never persisted.
func ParseAppendTurn(payload []byte, flags uint16) (AppendTurnRequest, error) {
	const fixedLen = 8 + 8 + 4 + 4 + 4 + 4 + 4 + 32 + 4
	if len(payload) < fixedLen {
		return AppendTurnRequest{}, cxdberr.InvalidInput("append_turn payload too short")
	}

	req := AppendTurnRequest{}
	off := 0
	req.ContextID = binary.LittleEndian.Uint64(payload[off:])
	off += 8
	req.ParentTurnID = binary.LittleEndian.Uint64(payload[off:])
	off += 8
	typeIDLen := binary.LittleEndian.Uint32(payload[off:])
	off += 4
	if uint32(len(payload)) < uint32(off)+typeIDLen {
		return AppendTurnRequest{}, cxdberr.InvalidInput("append_turn payload truncated (type id)")
	}
	req.DeclaredTypeID = string(payload[off : off+int(typeIDLen)])
	off += int(typeIDLen)

	if len(payload) < off+4+4+4+4+32+4 {
		return AppendTurnRequest{}, cxdberr.InvalidInput("append_turn payload truncated (fixed tail)")
	}
	req.DeclaredTypeVersion = binary.LittleEndian.Uint32(payload[off:])
	off += 4
	req.Encoding = binary.LittleEndian.Uint32(payload[off:])
	off += 4
	req.Compression = binary.LittleEndian.Uint32(payload[off:])
	off += 4
	req.UncompressedLen = binary.LittleEndian.Uint32(payload[off:])
	off += 4
	copy(req.ContentHash[:], payload[off:off+32])
	off += 32
	payloadLen := binary.LittleEndian.Uint32(payload[off:])
	off += 4
	if uint32(len(payload)) < uint32(off)+payloadLen {
		return AppendTurnRequest{}, cxdberr.InvalidInput("append_turn payload truncated (body)")
	}
	req.PayloadBytes = payload[off : off+int(payloadLen)]
	off += int(payloadLen)

	if flags&appendTurnFsFlag != 0 {
		if len(payload) < off+32 {
			return AppendTurnRequest{}, cxdberr.InvalidInput("append_turn payload truncated (fs root hash)")
		}
		var hash [32]byte
		copy(hash[:], payload[off:off+32])
		req.FsRootHash = &hash
	}

	return req, nil
}

// EncodeAppendAck builds an AppendTurn response: context_id u64,
// turn_id u64, depth u32, payload_hash [32]byte.
func EncodeAppendAck(contextID, turnID uint64, depth uint32, payloadHash [32]byte) []byte {
	buf := make([]byte, 0, 20+32)
	buf = binary.LittleEndian.AppendUint64(buf, contextID)
	buf = binary.LittleEndian.AppendUint64(buf, turnID)
	buf = binary.LittleEndian.AppendUint32(buf, depth)
	buf = append(buf, payloadHash[:]...)
	return buf
}

// --- AttachFs ---
//
// Filesystem snapshot attachment is out of scope for this deployment
// (no fs tree is persisted); the message type is still recognized so a
// peer sending it gets a clean InvalidInput Error frame rather than an
// unknown-msg-type rejection.

type AttachFsRequest struct {
	TurnID     uint64
	FsRootHash [32]byte
}

func ParseAttachFs(payload []byte) (AttachFsRequest, error) {
	if len(payload) != 8+32 {
		return AttachFsRequest{}, cxdberr.InvalidInput("attach_fs payload malformed")
	}
	req := AttachFsRequest{TurnID: binary.LittleEndian.Uint64(payload[0:8])}
	copy(req.FsRootHash[:], payload[8:40])
	return req, nil
}

// --- PutBlob ---

type PutBlobRequest struct {
	Hash [32]byte
	Data []byte
}

func ParsePutBlob(payload []byte) (PutBlobRequest, error) {
	if len(payload) < 32+4 {
		return PutBlobRequest{}, cxdberr.InvalidInput("put_blob payload too short")
	}
	var req PutBlobRequest
	copy(req.Hash[:], payload[0:32])
	dataLen := binary.LittleEndian.Uint32(payload[32:36])
	if uint32(len(payload)) < 36+dataLen {
		return PutBlobRequest{}, cxdberr.InvalidInput("put_blob payload truncated")
	}
	req.Data = payload[36 : 36+dataLen]
	return req, nil
}

// EncodePutBlobResp builds a PutBlob response: hash [32]byte, was_new u8.
func EncodePutBlobResp(hash [32]byte, wasNew bool) []byte {
	buf := make([]byte, 0, 33)
	buf = append(buf, hash[:]...)
	if wasNew {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// --- GetLast ---

type GetLastRequest struct {
	ContextID      uint64
	Limit          int32
	IncludePayload bool
}

func ParseGetLast(payload []byte) (GetLastRequest, error) {
	if len(payload) != 8+4+1 {
		return GetLastRequest{}, cxdberr.InvalidInput("get_last payload malformed")
	}
	return GetLastRequest{
		ContextID:      binary.LittleEndian.Uint64(payload[0:8]),
		Limit:          int32(binary.LittleEndian.Uint32(payload[8:12])),
		IncludePayload: payload[12] != 0,
	}, nil
}

// GetLastItem is one entry of a GetLast response.
type GetLastItem struct {
	TurnID              uint64
	ParentTurnID        uint64
	Depth               uint32
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	Compression         uint32
	UncompressedLen     uint32
	PayloadHash         [32]byte
	Payload             []byte // nil when not included
}

// EncodeGetLastResp builds a GetLast response: count u32, then each
// item (turn_id, parent_turn_id, depth, type_id_len+bytes,
// type_version, encoding, compression, uncompressed_len, payload_hash,
// and, only when the item's Payload is non-nil, payload_len+bytes).
func EncodeGetLastResp(items []GetLastItem) []byte {
	buf := make([]byte, 0, 4+len(items)*64)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(items)))
	for _, item := range items {
		buf = binary.LittleEndian.AppendUint64(buf, item.TurnID)
		buf = binary.LittleEndian.AppendUint64(buf, item.ParentTurnID)
		buf = binary.LittleEndian.AppendUint32(buf, item.Depth)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(item.DeclaredTypeID)))
		buf = append(buf, item.DeclaredTypeID...)
		buf = binary.LittleEndian.AppendUint32(buf, item.DeclaredTypeVersion)
		buf = binary.LittleEndian.AppendUint32(buf, item.Encoding)

		compression := item.Compression
		uncompressedLen := item.UncompressedLen
		if item.Payload != nil {
			// a returned payload is always raw, never the stored compression
			compression = 0
			uncompressedLen = uint32(len(item.Payload))
		}
		buf = binary.LittleEndian.AppendUint32(buf, compression)
		buf = binary.LittleEndian.AppendUint32(buf, uncompressedLen)
		buf = append(buf, item.PayloadHash[:]...)

		if item.Payload != nil {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(item.Payload)))
			buf = append(buf, item.Payload...)
		}
	}
	return buf
}

// --- GetBlob ---

func ParseGetBlob(payload []byte) ([32]byte, error) {
	if len(payload) != 32 {
		return [32]byte{}, cxdberr.InvalidInput("get_blob payload must be a 32-byte hash")
	}
	var hash [32]byte
	copy(hash[:], payload)
	return hash, nil
}

// EncodeGetBlobResp builds a GetBlob response: len u32, bytes.
func EncodeGetBlobResp(data []byte) []byte {
	buf := make([]byte, 0, 4+len(data))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
	buf = append(buf, data...)
	return buf
}

// --- Session tracker ---

// SessionInfo is a snapshot of one tracked session.
type SessionInfo struct {
	SessionID    uint64
	ClientTag    string
	PeerAddr     string
	LastActivity time.Time
	Contexts     map[uint64]struct{}
}

// SessionTracker assigns process-unique session ids and tracks each
// session's client tag, peer address, last-activity time, and the set
// of context ids it has created or forked.
type SessionTracker struct {
	mu       sync.Mutex
	nextID   uint64
	sessions map[uint64]*SessionInfo
}

// NewSessionTracker returns an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{sessions: make(map[uint64]*SessionInfo)}
}

// RegisterSession allocates a new process-unique session id on TCP
// accept, before any Hello has been received.
func (t *SessionTracker) RegisterSession() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.sessions[id] = &SessionInfo{
		SessionID:    id,
		LastActivity: time.Now(),
		Contexts:     make(map[uint64]struct{}),
	}
	return id
}

// Register attaches a client tag and peer address to sessionID, called
// on the first Hello (or, lacking one, lazily on the first message that
// needs a registered session).
func (t *SessionTracker) Register(sessionID uint64, clientTag, peerAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	s.ClientTag = clientTag
	s.PeerAddr = peerAddr
}

// RecordActivity updates sessionID's last-activity timestamp.
func (t *SessionTracker) RecordActivity(sessionID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[sessionID]; ok {
		s.LastActivity = time.Now()
	}
}

// AddContext associates contextID with sessionID.
func (t *SessionTracker) AddContext(sessionID, contextID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[sessionID]; ok {
		s.Contexts[contextID] = struct{}{}
	}
}

// Unregister removes sessionID and returns the context ids it was
// associated with, so the caller can emit a ClientDisconnected event
// listing them.
func (t *SessionTracker) Unregister(sessionID uint64) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(t.sessions, sessionID)
	contexts := make([]uint64, 0, len(s.Contexts))
	for id := range s.Contexts {
		contexts = append(contexts, id)
	}
	return contexts
}

// Get returns a copy of sessionID's tracked info.
func (t *SessionTracker) Get(sessionID uint64) (SessionInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	cp := *s
	cp.Contexts = make(map[uint64]struct{}, len(s.Contexts))
	for id := range s.Contexts {
		cp.Contexts[id] = struct{}{}
	}
	return cp, true
}

// Count reports the number of currently tracked sessions.
func (t *SessionTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
