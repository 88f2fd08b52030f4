// Package turnstore implements the append-only turn log, its offset
// index, the per-turn metadata side-file, and the context head table.
package turnstore

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cxdb/cxdberr"
)

const turnRecordSize = 8 + 8 + 4 + 4 + 8 + 32 + 4 + 8 + 4 // = 80
const headRecordSize = 8 + 8 + 4 + 4 + 8 + 4              // = 36

// TurnRecord is one entry of the turn log.
type TurnRecord struct {
	TurnID           uint64
	ParentTurnID     uint64
	Depth            uint32
	Codec            uint32
	TypeTag          uint64 // reserved; always 0 today, see spec open questions
	PayloadHash      [32]byte
	Flags            uint32
	CreatedAtUnixMs  uint64
}

// TurnMeta is the parallel, variable-length metadata entry for a turn.
type TurnMeta struct {
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            uint32
	Compression         uint32
	UncompressedLen     uint32
}

// ContextHead is the current tip of a context's turn chain.
type ContextHead struct {
	ContextID       uint64
	HeadTurnID      uint64
	HeadDepth       uint32
	Flags           uint32
	CreatedAtUnixMs uint64
}

// Store is the turn log + index + meta + head-table quadruple. A single
// mutex serializes all writes and reads, matching the spec's coarse-lock
// concurrency model — correctness rests on O(1) appends, not on fine
// concurrency.
type Store struct {
	mu sync.Mutex

	logPath  string
	idxPath  string
	metaPath string
	headPath string

	logFile  *os.File
	idxFile  *os.File
	metaFile *os.File
	headFile *os.File

	turns      map[uint64]TurnRecord
	turnOffset map[uint64]int64
	turnMeta   map[uint64]TurnMeta
	heads      map[uint64]ContextHead

	nextTurnID    uint64
	nextContextID uint64
}

// Open opens (creating if absent) the four files under dir and replays
// them, truncating any corrupt or short trailing record.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cxdberr.Io(err)
	}
	s := &Store{
		logPath:       filepath.Join(dir, "turns.log"),
		idxPath:       filepath.Join(dir, "turns.idx"),
		metaPath:      filepath.Join(dir, "turns.meta"),
		headPath:      filepath.Join(dir, "heads.tbl"),
		turns:         make(map[uint64]TurnRecord),
		turnOffset:    make(map[uint64]int64),
		turnMeta:      make(map[uint64]TurnMeta),
		heads:         make(map[uint64]ContextHead),
		nextTurnID:    1,
		nextContextID: 1,
	}

	var err error
	if s.logFile, err = os.OpenFile(s.logPath, os.O_CREATE|os.O_RDWR, 0o644); err != nil {
		return nil, cxdberr.Io(err)
	}
	if s.idxFile, err = os.OpenFile(s.idxPath, os.O_CREATE|os.O_RDWR, 0o644); err != nil {
		return nil, cxdberr.Io(err)
	}
	if s.metaFile, err = os.OpenFile(s.metaPath, os.O_CREATE|os.O_RDWR, 0o644); err != nil {
		return nil, cxdberr.Io(err)
	}
	if s.headFile, err = os.OpenFile(s.headPath, os.O_CREATE|os.O_RDWR, 0o644); err != nil {
		return nil, cxdberr.Io(err)
	}

	if err := s.loadTurns(); err != nil {
		return nil, err
	}
	if err := s.loadMeta(); err != nil {
		return nil, err
	}
	if err := s.loadHeads(); err != nil {
		return nil, err
	}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	s.updateCounters()
	return s, nil
}

func (s *Store) Close() error {
	for _, f := range []*os.File{s.logFile, s.idxFile, s.metaFile, s.headFile} {
		if err := f.Close(); err != nil {
			return cxdberr.Io(err)
		}
	}
	return nil
}

func encodeTurnRecord(r TurnRecord) []byte {
	buf := make([]byte, 0, turnRecordSize)
	buf = binary.LittleEndian.AppendUint64(buf, r.TurnID)
	buf = binary.LittleEndian.AppendUint64(buf, r.ParentTurnID)
	buf = binary.LittleEndian.AppendUint32(buf, r.Depth)
	buf = binary.LittleEndian.AppendUint32(buf, r.Codec)
	buf = binary.LittleEndian.AppendUint64(buf, r.TypeTag)
	buf = append(buf, r.PayloadHash[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, r.Flags)
	buf = binary.LittleEndian.AppendUint64(buf, r.CreatedAtUnixMs)
	crc := crc32.ChecksumIEEE(buf)
	buf = binary.LittleEndian.AppendUint32(buf, crc)
	return buf
}

func decodeTurnRecord(rec []byte) (TurnRecord, bool) {
	if len(rec) != turnRecordSize {
		return TurnRecord{}, false
	}
	body := rec[:turnRecordSize-4]
	wantCrc := binary.LittleEndian.Uint32(rec[turnRecordSize-4:])
	if crc32.ChecksumIEEE(body) != wantCrc {
		return TurnRecord{}, false
	}
	var r TurnRecord
	r.TurnID = binary.LittleEndian.Uint64(rec[0:8])
	r.ParentTurnID = binary.LittleEndian.Uint64(rec[8:16])
	r.Depth = binary.LittleEndian.Uint32(rec[16:20])
	r.Codec = binary.LittleEndian.Uint32(rec[20:24])
	r.TypeTag = binary.LittleEndian.Uint64(rec[24:32])
	copy(r.PayloadHash[:], rec[32:64])
	r.Flags = binary.LittleEndian.Uint32(rec[64:68])
	r.CreatedAtUnixMs = binary.LittleEndian.Uint64(rec[68:76])
	return r, true
}

func (s *Store) loadTurns() error {
	if _, err := s.logFile.Seek(0, io.SeekStart); err != nil {
		return cxdberr.Io(err)
	}
	buf, err := io.ReadAll(s.logFile)
	if err != nil {
		return cxdberr.Io(err)
	}

	var validLen int
	for validLen+turnRecordSize <= len(buf) {
		rec, ok := decodeTurnRecord(buf[validLen : validLen+turnRecordSize])
		if !ok {
			break
		}
		s.turns[rec.TurnID] = rec
		validLen += turnRecordSize
	}
	if validLen < len(buf) {
		log.Warn().Int("discarded_bytes", len(buf)-validLen).Str("path", s.logPath).
			Msg("truncating partial tail of turn log")
		if err := s.logFile.Truncate(int64(validLen)); err != nil {
			return cxdberr.Io(err)
		}
	}
	return nil
}

func (s *Store) loadMeta() error {
	if _, err := s.metaFile.Seek(0, io.SeekStart); err != nil {
		return cxdberr.Io(err)
	}
	buf, err := io.ReadAll(s.metaFile)
	if err != nil {
		return cxdberr.Io(err)
	}

	pos := 0
	validLen := 0
	for pos < len(buf) {
		start := pos
		if pos+8 > len(buf) {
			break
		}
		turnID := binary.LittleEndian.Uint64(buf[pos : pos+8])
		pos += 8
		if pos+4 > len(buf) {
			break
		}
		idLen := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
		pos += 4
		if pos+idLen+4+4+4+4 > len(buf) {
			break
		}
		typeID := string(buf[pos : pos+idLen])
		pos += idLen
		version := binary.LittleEndian.Uint32(buf[pos : pos+4])
		pos += 4
		encoding := binary.LittleEndian.Uint32(buf[pos : pos+4])
		pos += 4
		compression := binary.LittleEndian.Uint32(buf[pos : pos+4])
		pos += 4
		uncompressedLen := binary.LittleEndian.Uint32(buf[pos : pos+4])
		pos += 4

		s.turnMeta[turnID] = TurnMeta{
			DeclaredTypeID:      typeID,
			DeclaredTypeVersion: version,
			Encoding:            encoding,
			Compression:         compression,
			UncompressedLen:     uncompressedLen,
		}
		validLen = pos
		_ = start
	}
	if validLen < len(buf) {
		log.Warn().Int("discarded_bytes", len(buf)-validLen).Str("path", s.metaPath).
			Msg("truncating partial tail of turn meta")
		if err := s.metaFile.Truncate(int64(validLen)); err != nil {
			return cxdberr.Io(err)
		}
	}
	return nil
}

func (s *Store) loadHeads() error {
	if _, err := s.headFile.Seek(0, io.SeekStart); err != nil {
		return cxdberr.Io(err)
	}
	buf, err := io.ReadAll(s.headFile)
	if err != nil {
		return cxdberr.Io(err)
	}

	var validLen int
	for validLen+headRecordSize <= len(buf) {
		rec := buf[validLen : validLen+headRecordSize]
		body := rec[:headRecordSize-4]
		wantCrc := binary.LittleEndian.Uint32(rec[headRecordSize-4:])
		if crc32.ChecksumIEEE(body) != wantCrc {
			break
		}
		h := ContextHead{
			ContextID:       binary.LittleEndian.Uint64(body[0:8]),
			HeadTurnID:      binary.LittleEndian.Uint64(body[8:16]),
			HeadDepth:       binary.LittleEndian.Uint32(body[16:20]),
			Flags:           binary.LittleEndian.Uint32(body[20:24]),
			CreatedAtUnixMs: binary.LittleEndian.Uint64(body[24:32]),
		}
		// Last writer wins on replay: later entries shadow earlier ones
		// for the same context id.
		s.heads[h.ContextID] = h
		validLen += headRecordSize
	}
	if validLen < len(buf) {
		log.Warn().Int("discarded_bytes", len(buf)-validLen).Str("path", s.headPath).
			Msg("truncating partial tail of head table")
		if err := s.headFile.Truncate(int64(validLen)); err != nil {
			return cxdberr.Io(err)
		}
	}
	return nil
}

func (s *Store) rebuildIndex() error {
	if err := s.idxFile.Truncate(0); err != nil {
		return cxdberr.Io(err)
	}
	if _, err := s.idxFile.Seek(0, io.SeekStart); err != nil {
		return cxdberr.Io(err)
	}
	var offset int64
	// Iteration order over a map is unspecified; offsets are recomputed
	// from scratch by walking the log linearly instead of trusting any
	// particular map order.
	if _, err := s.logFile.Seek(0, io.SeekStart); err != nil {
		return cxdberr.Io(err)
	}
	rec := make([]byte, turnRecordSize)
	for {
		n, err := io.ReadFull(s.logFile, rec)
		if n < turnRecordSize {
			break
		}
		if err != nil {
			break
		}
		decoded, ok := decodeTurnRecord(rec)
		if !ok {
			break
		}
		s.turnOffset[decoded.TurnID] = offset
		var idxRec [16]byte
		binary.LittleEndian.PutUint64(idxRec[0:8], decoded.TurnID)
		binary.LittleEndian.PutUint64(idxRec[8:16], uint64(offset))
		if _, err := s.idxFile.Write(idxRec[:]); err != nil {
			return cxdberr.Io(err)
		}
		offset += turnRecordSize
	}
	if err := s.idxFile.Sync(); err != nil {
		return cxdberr.Io(err)
	}
	return nil
}

func (s *Store) updateCounters() {
	var maxTurn uint64
	for id := range s.turns {
		if id > maxTurn {
			maxTurn = id
		}
	}
	if maxTurn > 0 {
		s.nextTurnID = maxTurn + 1
	}
	var maxCtx uint64
	for id := range s.heads {
		if id > maxCtx {
			maxCtx = id
		}
	}
	if maxCtx > 0 {
		s.nextContextID = maxCtx + 1
	}
}

func nowUnixMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (s *Store) writeHead(h ContextHead) error {
	buf := make([]byte, 0, headRecordSize)
	buf = binary.LittleEndian.AppendUint64(buf, h.ContextID)
	buf = binary.LittleEndian.AppendUint64(buf, h.HeadTurnID)
	buf = binary.LittleEndian.AppendUint32(buf, h.HeadDepth)
	buf = binary.LittleEndian.AppendUint32(buf, h.Flags)
	buf = binary.LittleEndian.AppendUint64(buf, h.CreatedAtUnixMs)
	crc := crc32.ChecksumIEEE(buf)
	buf = binary.LittleEndian.AppendUint32(buf, crc)

	if _, err := s.headFile.Seek(0, io.SeekEnd); err != nil {
		return cxdberr.Io(err)
	}
	if _, err := s.headFile.Write(buf); err != nil {
		return cxdberr.Io(err)
	}
	return cxdberr.Io(s.headFile.Sync())
}

// CreateContext allocates a fresh context id. If baseTurnID != 0, the new
// head inherits that turn's id and depth.
func (s *Store) CreateContext(baseTurnID uint64) (ContextHead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createContextLocked(baseTurnID)
}

func (s *Store) createContextLocked(baseTurnID uint64) (ContextHead, error) {
	var headTurnID uint64
	var headDepth uint32
	if baseTurnID != 0 {
		turn, ok := s.turns[baseTurnID]
		if !ok {
			return ContextHead{}, cxdberr.NotFound("base turn")
		}
		headTurnID = turn.TurnID
		headDepth = turn.Depth
	}

	contextID := s.nextContextID
	s.nextContextID++

	head := ContextHead{
		ContextID:       contextID,
		HeadTurnID:      headTurnID,
		HeadDepth:       headDepth,
		CreatedAtUnixMs: nowUnixMs(),
		Flags:           0,
	}
	if err := s.writeHead(head); err != nil {
		return ContextHead{}, err
	}
	s.heads[contextID] = head
	return head, nil
}

// ForkContext allocates a new context whose initial head equals an
// existing turn. baseTurnID must name an existing turn (a fork with 0 is
// rejected, unlike CreateContext, since forking from nothing isn't a
// fork).
func (s *Store) ForkContext(baseTurnID uint64) (ContextHead, error) {
	if baseTurnID == 0 {
		return ContextHead{}, cxdberr.InvalidInput("fork requires an existing base turn")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createContextLocked(baseTurnID)
}

// AppendTurn appends a new turn to context_id.
func (s *Store) AppendTurn(
	contextID uint64,
	parentTurnID uint64,
	payloadHash [32]byte,
	encoding uint32,
	declaredTypeID string,
	declaredTypeVersion uint32,
	compression uint32,
	uncompressedLen uint32,
) (TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parentID uint64
	var depth uint32
	if parentTurnID != 0 {
		parent, ok := s.turns[parentTurnID]
		if !ok {
			return TurnRecord{}, cxdberr.NotFound("parent turn")
		}
		parentID = parent.TurnID
		depth = parent.Depth + 1
	} else {
		head, ok := s.heads[contextID]
		if !ok {
			return TurnRecord{}, cxdberr.NotFound("context")
		}
		if head.HeadTurnID == 0 {
			parentID = 0
			depth = 0
		} else {
			parentID = head.HeadTurnID
			depth = head.HeadDepth + 1
		}
	}

	turnID := s.nextTurnID
	s.nextTurnID++

	record := TurnRecord{
		TurnID:          turnID,
		ParentTurnID:    parentID,
		Depth:           depth,
		Codec:           encoding,
		TypeTag:         0,
		PayloadHash:     payloadHash,
		Flags:           0,
		CreatedAtUnixMs: nowUnixMs(),
	}

	encoded := encodeTurnRecord(record)
	offset, err := s.logFile.Seek(0, io.SeekEnd)
	if err != nil {
		return TurnRecord{}, cxdberr.Io(err)
	}
	if _, err := s.logFile.Write(encoded); err != nil {
		return TurnRecord{}, cxdberr.Io(err)
	}
	if err := s.logFile.Sync(); err != nil {
		return TurnRecord{}, cxdberr.Io(err)
	}

	var idxRec [16]byte
	binary.LittleEndian.PutUint64(idxRec[0:8], turnID)
	binary.LittleEndian.PutUint64(idxRec[8:16], uint64(offset))
	if _, err := s.idxFile.Seek(0, io.SeekEnd); err != nil {
		return TurnRecord{}, cxdberr.Io(err)
	}
	if _, err := s.idxFile.Write(idxRec[:]); err != nil {
		return TurnRecord{}, cxdberr.Io(err)
	}
	if err := s.idxFile.Sync(); err != nil {
		return TurnRecord{}, cxdberr.Io(err)
	}

	metaBuf := make([]byte, 0, 8+4+len(declaredTypeID)+4+4+4+4)
	metaBuf = binary.LittleEndian.AppendUint64(metaBuf, turnID)
	metaBuf = binary.LittleEndian.AppendUint32(metaBuf, uint32(len(declaredTypeID)))
	metaBuf = append(metaBuf, declaredTypeID...)
	metaBuf = binary.LittleEndian.AppendUint32(metaBuf, declaredTypeVersion)
	metaBuf = binary.LittleEndian.AppendUint32(metaBuf, encoding)
	metaBuf = binary.LittleEndian.AppendUint32(metaBuf, compression)
	metaBuf = binary.LittleEndian.AppendUint32(metaBuf, uncompressedLen)
	if _, err := s.metaFile.Seek(0, io.SeekEnd); err != nil {
		return TurnRecord{}, cxdberr.Io(err)
	}
	if _, err := s.metaFile.Write(metaBuf); err != nil {
		return TurnRecord{}, cxdberr.Io(err)
	}
	if err := s.metaFile.Sync(); err != nil {
		return TurnRecord{}, cxdberr.Io(err)
	}

	s.turns[turnID] = record
	s.turnOffset[turnID] = offset
	s.turnMeta[turnID] = TurnMeta{
		DeclaredTypeID:      declaredTypeID,
		DeclaredTypeVersion: declaredTypeVersion,
		Encoding:            encoding,
		Compression:         compression,
		UncompressedLen:     uncompressedLen,
	}

	head := ContextHead{
		ContextID:       contextID,
		HeadTurnID:      turnID,
		HeadDepth:       depth,
		CreatedAtUnixMs: record.CreatedAtUnixMs,
		Flags:           0,
	}
	if err := s.writeHead(head); err != nil {
		return TurnRecord{}, err
	}
	s.heads[contextID] = head

	return record, nil
}

func (s *Store) GetHead(contextID uint64) (ContextHead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.heads[contextID]
	if !ok {
		return ContextHead{}, cxdberr.NotFound("context")
	}
	return h, nil
}

func (s *Store) GetTurn(turnID uint64) (TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok {
		return TurnRecord{}, cxdberr.NotFound("turn")
	}
	return t, nil
}

func (s *Store) GetTurnMeta(turnID uint64) (TurnMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.turnMeta[turnID]
	if !ok {
		return TurnMeta{}, cxdberr.NotFound("turn meta")
	}
	return m, nil
}

// walkBackward returns up to limit turns ending at startTurnID (inclusive),
// walking parent pointers, then reversed to ancestor-first order.
func (s *Store) walkBackward(startTurnID uint64, limit int) []TurnRecord {
	if limit <= 0 {
		return nil
	}
	var out []TurnRecord
	cur := startTurnID
	for cur != 0 && len(out) < limit {
		rec, ok := s.turns[cur]
		if !ok {
			break
		}
		out = append(out, rec)
		cur = rec.ParentTurnID
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// GetLast walks the chain from head backward up to limit records, returned
// in ancestor-first order.
func (s *Store) GetLast(contextID uint64, limit int) ([]TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	head, ok := s.heads[contextID]
	if !ok {
		return nil, cxdberr.NotFound("context")
	}
	if head.HeadTurnID == 0 {
		return nil, nil
	}
	return s.walkBackward(head.HeadTurnID, limit), nil
}

// GetBefore starts at the parent of beforeTurnID, walking backward up to
// limit records. If beforeTurnID is 0 or the context has no head, it
// delegates to GetLast.
func (s *Store) GetBefore(contextID uint64, beforeTurnID uint64, limit int) ([]TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, ok := s.heads[contextID]
	if !ok {
		return nil, cxdberr.NotFound("context")
	}
	if beforeTurnID == 0 || head.HeadTurnID == 0 {
		if head.HeadTurnID == 0 {
			return nil, nil
		}
		return s.walkBackward(head.HeadTurnID, limit), nil
	}
	before, ok := s.turns[beforeTurnID]
	if !ok {
		return nil, cxdberr.NotFound("turn")
	}
	return s.walkBackward(before.ParentTurnID, limit), nil
}

// GetFirstTurn walks the chain from head backward until depth 0.
func (s *Store) GetFirstTurn(contextID uint64) (TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	head, ok := s.heads[contextID]
	if !ok {
		return TurnRecord{}, cxdberr.NotFound("context")
	}
	cur := head.HeadTurnID
	for cur != 0 {
		rec, ok := s.turns[cur]
		if !ok {
			return TurnRecord{}, cxdberr.NotFound("turn")
		}
		if rec.Depth == 0 {
			return rec, nil
		}
		cur = rec.ParentTurnID
	}
	return TurnRecord{}, cxdberr.NotFound("first turn")
}

// ListRecentContexts returns heads sorted by creation time descending,
// truncated to limit.
func (s *Store) ListRecentContexts(limit int) []ContextHead {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ContextHead, 0, len(s.heads))
	for _, h := range s.heads {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAtUnixMs > out[j].CreatedAtUnixMs
	})
	if limit >= 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}
