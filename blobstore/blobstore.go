// Package blobstore implements the content-addressed blob pack: a single
// append-only pack file plus a fixed-size-record sidecar index, deduped by
// caller-supplied hash and optionally zstd-compressed.
package blobstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"cxdb/cxdberr"
)

const (
	blobMagic   uint32 = 0x42534C42 // "BSLB"
	blobVersion uint16 = 1

	idxEntrySize = 32 + 8 + 4 + 4 + 2 + 2 // hash, offset, raw_len, stored_len, codec, reserved
)

// Codec identifies how a blob's stored bytes relate to its raw bytes.
type Codec uint16

const (
	CodecNone Codec = 0
	CodecZstd Codec = 1
)

// Hash is the 32-byte content address of a blob (BLAKE3 of its raw bytes,
// computed by the caller — blobstore itself is hash-agnostic and only
// validates round-trip layout, never recomputes or verifies the hash
// function used to produce it).
type Hash [32]byte

// IndexEntry is one sidecar-index record: where a blob's header lives in
// the pack file and its two lengths.
type IndexEntry struct {
	Offset     uint64
	RawLen     uint32
	StoredLen  uint32
	Codec      Codec
}

// Stats summarizes on-disk pack/index size.
type Stats struct {
	BlobsTotal int
	PackBytes  int64
	IdxBytes   int64
}

// Store is the content-addressed blob pack. All methods are safe for
// concurrent use; a single coarse mutex serializes writes and reads alike,
// matching the spec's "blob store is protected by a single coarse write
// lock" concurrency model.
type Store struct {
	mu       sync.Mutex
	packPath string
	idxPath  string
	packFile *os.File
	idxFile  *os.File
	index    map[Hash]IndexEntry
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// Open opens (creating if absent) the pack+index pair under dir, replaying
// the index and truncating any partial trailing record.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cxdberr.Io(err)
	}
	packPath := filepath.Join(dir, "blobs.pack")
	idxPath := filepath.Join(dir, "blobs.idx")

	packFile, err := os.OpenFile(packPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, cxdberr.Io(err)
	}
	idxFile, err := os.OpenFile(idxPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		packFile.Close()
		return nil, cxdberr.Io(err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, cxdberr.Io(err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, cxdberr.Io(err)
	}

	s := &Store{
		packPath: packPath,
		idxPath:  idxPath,
		packFile: packFile,
		idxFile:  idxFile,
		index:    make(map[Hash]IndexEntry),
		enc:      enc,
		dec:      dec,
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	err1 := s.packFile.Close()
	err2 := s.idxFile.Close()
	if err1 != nil {
		return cxdberr.Io(err1)
	}
	if err2 != nil {
		return cxdberr.Io(err2)
	}
	return nil
}

// loadIndex replays blobs.idx, stopping at the first short record and
// truncating the file to the last full entry — partial-tail recovery.
func (s *Store) loadIndex() error {
	if _, err := s.idxFile.Seek(0, io.SeekStart); err != nil {
		return cxdberr.Io(err)
	}
	buf, err := io.ReadAll(s.idxFile)
	if err != nil {
		return cxdberr.Io(err)
	}

	var validLen int
	for validLen+idxEntrySize <= len(buf) {
		rec := buf[validLen : validLen+idxEntrySize]
		var h Hash
		copy(h[:], rec[0:32])
		offset := binary.LittleEndian.Uint64(rec[32:40])
		rawLen := binary.LittleEndian.Uint32(rec[40:44])
		storedLen := binary.LittleEndian.Uint32(rec[44:48])
		codecRaw := binary.LittleEndian.Uint16(rec[48:50])

		codec := Codec(codecRaw)
		if codec != CodecNone && codec != CodecZstd {
			return cxdberr.Corrupt("unknown blob codec in index")
		}

		s.index[h] = IndexEntry{Offset: offset, RawLen: rawLen, StoredLen: storedLen, Codec: codec}
		validLen += idxEntrySize
	}

	if validLen < len(buf) {
		log.Warn().Int("discarded_bytes", len(buf)-validLen).Str("path", s.idxPath).
			Msg("truncating partial tail of blob index")
		if err := s.idxFile.Truncate(int64(validLen)); err != nil {
			return cxdberr.Io(err)
		}
	}
	return nil
}

func (s *Store) Contains(hash Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[hash]
	return ok
}

// PutIfAbsent stores rawBytes under hash unless already present, trying
// zstd-1 compression and keeping it only if strictly smaller.
func (s *Store) PutIfAbsent(hash Hash, rawBytes []byte) (IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.index[hash]; ok {
		return entry, nil
	}

	storedBytes := rawBytes
	codec := CodecNone
	compressed := s.enc.EncodeAll(rawBytes, nil)
	if len(compressed) < len(rawBytes) {
		storedBytes = compressed
		codec = CodecZstd
	}

	rawLen := uint32(len(rawBytes))
	storedLen := uint32(len(storedBytes))

	offset, err := s.packFile.Seek(0, io.SeekEnd)
	if err != nil {
		return IndexEntry{}, cxdberr.Io(err)
	}

	header := make([]byte, 0, 4+2+2+4+4+32)
	header = binary.LittleEndian.AppendUint32(header, blobMagic)
	header = binary.LittleEndian.AppendUint16(header, blobVersion)
	header = binary.LittleEndian.AppendUint16(header, uint16(codec))
	header = binary.LittleEndian.AppendUint32(header, rawLen)
	header = binary.LittleEndian.AppendUint32(header, storedLen)
	header = append(header, hash[:]...)

	crc := crc32.NewIEEE()
	crc.Write(header)
	crc.Write(storedBytes)
	sum := crc.Sum32()

	if _, err := s.packFile.Write(header); err != nil {
		return IndexEntry{}, cxdberr.Io(err)
	}
	if _, err := s.packFile.Write(storedBytes); err != nil {
		return IndexEntry{}, cxdberr.Io(err)
	}
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], sum)
	if _, err := s.packFile.Write(crcBuf[:]); err != nil {
		return IndexEntry{}, cxdberr.Io(err)
	}
	if err := s.packFile.Sync(); err != nil {
		return IndexEntry{}, cxdberr.Io(err)
	}

	idxRec := make([]byte, 0, idxEntrySize)
	idxRec = append(idxRec, hash[:]...)
	idxRec = binary.LittleEndian.AppendUint64(idxRec, uint64(offset))
	idxRec = binary.LittleEndian.AppendUint32(idxRec, rawLen)
	idxRec = binary.LittleEndian.AppendUint32(idxRec, storedLen)
	idxRec = binary.LittleEndian.AppendUint16(idxRec, uint16(codec))
	idxRec = binary.LittleEndian.AppendUint16(idxRec, 0)
	if _, err := s.idxFile.Seek(0, io.SeekEnd); err != nil {
		return IndexEntry{}, cxdberr.Io(err)
	}
	if _, err := s.idxFile.Write(idxRec); err != nil {
		return IndexEntry{}, cxdberr.Io(err)
	}
	if err := s.idxFile.Sync(); err != nil {
		return IndexEntry{}, cxdberr.Io(err)
	}

	entry := IndexEntry{Offset: uint64(offset), RawLen: rawLen, StoredLen: storedLen, Codec: codec}
	s.index[hash] = entry
	return entry, nil
}

// Get reads, validates, and decompresses the blob for hash.
func (s *Store) Get(hash Hash) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index[hash]
	if !ok {
		return nil, cxdberr.NotFound("blob")
	}

	if _, err := s.packFile.Seek(int64(entry.Offset), io.SeekStart); err != nil {
		return nil, cxdberr.Io(err)
	}

	header := make([]byte, 4+2+2+4+4+32)
	if _, err := io.ReadFull(s.packFile, header); err != nil {
		return nil, cxdberr.Io(err)
	}
	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != blobMagic {
		return nil, cxdberr.Corrupt("invalid blob magic")
	}
	version := binary.LittleEndian.Uint16(header[4:6])
	if version != blobVersion {
		return nil, cxdberr.Corrupt("unsupported blob version")
	}
	codecRaw := binary.LittleEndian.Uint16(header[6:8])
	rawLen := binary.LittleEndian.Uint32(header[8:12])
	storedLen := binary.LittleEndian.Uint32(header[12:16])
	var storedHash Hash
	copy(storedHash[:], header[16:48])

	if storedHash != hash {
		return nil, cxdberr.Corrupt("blob hash mismatch")
	}

	storedBytes := make([]byte, storedLen)
	if _, err := io.ReadFull(s.packFile, storedBytes); err != nil {
		return nil, cxdberr.Io(err)
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(s.packFile, crcBuf[:]); err != nil {
		return nil, cxdberr.Io(err)
	}
	wantCrc := binary.LittleEndian.Uint32(crcBuf[:])

	crc := crc32.NewIEEE()
	crc.Write(header)
	crc.Write(storedBytes)
	if crc.Sum32() != wantCrc {
		return nil, cxdberr.Corrupt("blob crc mismatch")
	}

	codec := Codec(codecRaw)
	var rawBytes []byte
	switch codec {
	case CodecNone:
		rawBytes = storedBytes
	case CodecZstd:
		decoded, err := s.dec.DecodeAll(storedBytes, nil)
		if err != nil {
			return nil, cxdberr.Corrupt(fmt.Sprintf("zstd decode failed: %v", err))
		}
		rawBytes = decoded
	default:
		return nil, cxdberr.Corrupt("unknown blob codec")
	}

	if uint32(len(rawBytes)) != rawLen {
		return nil, cxdberr.Corrupt("blob length mismatch")
	}
	return rawBytes, nil
}

func (s *Store) RawLen(hash Hash) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[hash]
	return e.RawLen, ok
}

func (s *Store) StoredLen(hash Hash) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[hash]
	return e.StoredLen, ok
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		BlobsTotal: len(s.index),
		PackBytes:  fileLen(s.packPath),
		IdxBytes:   fileLen(s.idxPath),
	}
}

func fileLen(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
