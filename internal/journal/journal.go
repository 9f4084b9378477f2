// Package journal implements the append-only write-ahead journal: every
// intended mutation is recorded here, with its inverse and provenance,
// before the block store is touched. Entries are self-describing and
// checksummed so a damaged entry can be skipped without losing the rest
// of the file.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hyperpolymath/lithoglyph-sub002/internal/compress"
)

var (
	// ErrUnknownSequence reports a sequence with no entry in the file.
	ErrUnknownSequence = errors.New("journal: unknown sequence")
	// ErrCorruptHeader reports an unrecoverable journal file header.
	ErrCorruptHeader = errors.New("journal: corrupt file header")
	// ErrSkipEntry may be returned by a Replay apply function to skip an
	// entry without marking it committed; replay continues past it.
	ErrSkipEntry = errors.New("journal: skip entry")
)

// Config carries the journal's construction parameters.
type Config struct {
	Path   string
	Logger *logrus.Logger
}

type indexEntry struct {
	offset int64
	length uint32
}

// Journal is an append-only entry log backed by a single file. Sequence
// numbers are strictly increasing and owned by the journal; offsets only
// ever grow.
type Journal struct {
	f    *os.File
	path string
	log  *logrus.Logger

	size           int64 // append position
	nextSeq        uint64
	lastCheckpoint uint64
	index          map[uint64]indexEntry
}

// Open opens or creates the journal at cfg.Path and scans it to rebuild
// the sequence index. A corrupt tail entry ends the scan with a warning;
// it never makes the preceding entries unreadable.
func Open(cfg Config) (*Journal, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal file: %w", err)
	}

	j := &Journal{
		f:       f,
		path:    cfg.Path,
		log:     cfg.Logger,
		nextSeq: 1,
		index:   make(map[uint64]indexEntry),
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("statting journal file: %w", err)
	}

	if st.Size() == 0 {
		hdr := make([]byte, FileHeaderSize)
		writeFileHeader(hdr)
		if _, err := f.WriteAt(hdr, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing journal header: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("syncing new journal: %w", err)
		}
		j.size = FileHeaderSize
		return j, nil
	}

	if err := j.checkFileHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := j.scan(); err != nil {
		f.Close()
		return nil, err
	}
	return j, nil
}

func writeFileHeader(buf []byte) {
	putUint64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (56 - 8*i))
		}
	}
	putUint64(0, FileMagic)
	buf[8] = byte(FileVersion >> 8)
	buf[9] = byte(FileVersion)
}

func (j *Journal) checkFileHeader() error {
	buf := make([]byte, FileHeaderSize)
	if _, err := j.f.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}
	var magic uint64
	for i := 0; i < 8; i++ {
		magic = magic<<8 | uint64(buf[i])
	}
	if magic != FileMagic {
		return fmt.Errorf("%w: bad magic 0x%016x", ErrCorruptHeader, magic)
	}
	return nil
}

// scan walks the file rebuilding the index, next sequence and last
// checkpoint. Entries with bad checksums are reported and left out of the
// index; their length field still lets the scan continue past them, and
// their sequence is still retired so a later append never reuses it.
func (j *Journal) scan() error {
	off := int64(FileHeaderSize)
	for {
		e, next, err := j.readEntryAt(off)
		if err == io.EOF {
			break
		}
		if err != nil {
			j.log.WithError(err).WithField("offset", off).Warn("journal scan stopped at unreadable entry")
			break
		}
		if e != nil {
			j.index[e.Sequence] = indexEntry{offset: off, length: e.Len}
			if e.Sequence >= j.nextSeq {
				j.nextSeq = e.Sequence + 1
			}
			if e.Flags.Has(FlagCheckpoint) && e.Sequence > j.lastCheckpoint {
				j.lastCheckpoint = e.Sequence
			}
		} else {
			j.retireSkippedSequence(off)
		}
		off = next
	}
	j.size = off
	return nil
}

// retireSkippedSequence advances nextSeq past an entry whose checksum
// failed. The sequence field sits in the header, which stays parsable
// whenever the scan could follow the entry at all.
func (j *Journal) retireSkippedSequence(off int64) {
	hdrBuf := make([]byte, EntryHeaderSize)
	if _, err := j.f.ReadAt(hdrBuf, off); err != nil {
		return
	}
	h, err := parseEntryHeader(hdrBuf)
	if err != nil {
		return
	}
	if h.sequence >= j.nextSeq {
		j.nextSeq = h.sequence + 1
	}
}

// readEntryAt reads the entry starting at off. Returns (nil, nextOffset,
// nil) for an entry whose geometry is sound but whose checksum fails,
// io.EOF at end of file, and an error for a header that cannot be
// followed.
func (j *Journal) readEntryAt(off int64) (*Entry, int64, error) {
	hdrBuf := make([]byte, EntryHeaderSize)
	if _, err := j.f.ReadAt(hdrBuf, off); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, off, io.EOF
		}
		return nil, off, fmt.Errorf("reading entry header: %w", err)
	}

	h, err := parseEntryHeader(hdrBuf)
	if err != nil {
		return nil, off, err
	}
	if h.entryLen < EntryHeaderSize || h.entryLen-EntryHeaderSize > maxBodyLen {
		return nil, off, fmt.Errorf("implausible entry length %d at offset %d", h.entryLen, off)
	}

	body := make([]byte, h.entryLen-EntryHeaderSize)
	if _, err := j.f.ReadAt(body, off+EntryHeaderSize); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, off, io.EOF // truncated tail, not followable
		}
		return nil, off, fmt.Errorf("reading entry body: %w", err)
	}

	next := off + int64(h.entryLen)
	if checksumEntry(hdrBuf, body) != h.checksum {
		j.log.WithFields(logrus.Fields{
			"sequence": h.sequence,
			"offset":   off,
		}).Warn("journal entry failed checksum validation, skipping")
		return nil, next, nil
	}

	e := &Entry{
		Sequence:      h.sequence,
		Timestamp:     h.timestamp,
		Op:            h.op,
		Flags:         h.flags,
		AffectedBlock: h.affected,
		Checksum:      h.checksum,
		Len:           h.entryLen,
		Offset:        off,
	}

	if h.flags.Has(FlagCompressed) {
		body, err = compress.Decompress(body)
		if err != nil {
			j.log.WithError(err).WithField("sequence", h.sequence).Warn("journal entry body failed decompression, skipping")
			return nil, next, nil
		}
	}
	want := int(h.forwardLen) + int(h.inverseLen) + int(h.provLen)
	if len(body) != want {
		j.log.WithFields(logrus.Fields{
			"sequence": h.sequence,
			"want":     want,
			"got":      len(body),
		}).Warn("journal entry body length mismatch, skipping")
		return nil, next, nil
	}
	e.Forward = body[:h.forwardLen]
	e.Inverse = body[h.forwardLen : h.forwardLen+h.inverseLen]
	e.Provenance = body[h.forwardLen+h.inverseLen:]
	return e, next, nil
}

// Append assigns the next sequence to e, checksums it and writes the full
// entry as one contiguous region, returning its byte offset. The entry is
// not durable until Sync; the caller owns that ordering.
func (j *Journal) Append(e *Entry) (int64, error) {
	e.Sequence = j.nextSeq
	j.nextSeq++
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixNano()
	}

	body := make([]byte, 0, len(e.Forward)+len(e.Inverse)+len(e.Provenance))
	body = append(body, e.Forward...)
	body = append(body, e.Inverse...)
	body = append(body, e.Provenance...)

	stored, compressed, err := compress.Compress(body)
	if err != nil {
		return 0, fmt.Errorf("compressing entry %d: %w", e.Sequence, err)
	}
	if compressed {
		e.Flags |= FlagCompressed
	} else {
		stored = body
	}

	e.Len = uint32(EntryHeaderSize + len(stored))
	e.Checksum = 0
	hdr := e.marshalHeader()
	e.Checksum = checksumEntry(hdr, stored)
	hdr = e.marshalHeader()

	off := j.size
	buf := make([]byte, 0, e.Len)
	buf = append(buf, hdr...)
	buf = append(buf, stored...)
	if _, err := j.f.WriteAt(buf, off); err != nil {
		return 0, fmt.Errorf("appending entry %d: %w", e.Sequence, err)
	}
	j.size = off + int64(e.Len)
	j.index[e.Sequence] = indexEntry{offset: off, length: e.Len}
	e.Offset = off
	return off, nil
}

// Sync flushes the journal file to stable storage. This is the durability
// boundary of the commit protocol.
func (j *Journal) Sync() error {
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("syncing journal: %w", err)
	}
	return nil
}

func (j *Journal) setFlag(seq uint64, flag EntryFlags) error {
	ie, ok := j.index[seq]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSequence, seq)
	}

	hdrBuf := make([]byte, EntryHeaderSize)
	if _, err := j.f.ReadAt(hdrBuf, ie.offset); err != nil {
		return fmt.Errorf("reading entry %d header: %w", seq, err)
	}
	body := make([]byte, ie.length-EntryHeaderSize)
	if _, err := j.f.ReadAt(body, ie.offset+EntryHeaderSize); err != nil {
		return fmt.Errorf("reading entry %d body: %w", seq, err)
	}

	h, err := parseEntryHeader(hdrBuf)
	if err != nil {
		return err
	}
	h.flags |= flag

	hdrBuf[18] = byte(h.flags >> 8)
	hdrBuf[19] = byte(h.flags)
	crc := checksumEntry(hdrBuf, body)
	hdrBuf[40] = byte(crc >> 24)
	hdrBuf[41] = byte(crc >> 16)
	hdrBuf[42] = byte(crc >> 8)
	hdrBuf[43] = byte(crc)

	if _, err := j.f.WriteAt(hdrBuf, ie.offset); err != nil {
		return fmt.Errorf("rewriting entry %d header: %w", seq, err)
	}
	return nil
}

// MarkCommitted flips the committed flag on the entry with the given
// sequence, recomputing the header checksum in place. This is the
// durability handoff: once set, the forward payload's effect is promised
// to the block store.
func (j *Journal) MarkCommitted(seq uint64) error {
	return j.setFlag(seq, FlagCommitted)
}

// MarkRolledBack flips the rolled-back flag; replay will not re-drive the
// entry.
func (j *Journal) MarkRolledBack(seq uint64) error {
	return j.setFlag(seq, FlagRolledBack)
}

// WriteCheckpoint appends a zero-payload checkpoint entry, syncs, and
// returns its sequence — the new recovery start point.
func (j *Journal) WriteCheckpoint() (uint64, error) {
	e := &Entry{
		Op:    OpCheckpoint,
		Flags: FlagCheckpoint | FlagCommitted,
	}
	if _, err := j.Append(e); err != nil {
		return 0, err
	}
	if err := j.Sync(); err != nil {
		return 0, err
	}
	j.lastCheckpoint = e.Sequence
	return e.Sequence, nil
}

// LastCheckpoint returns the sequence of the most recent checkpoint entry
// seen in this file, or zero.
func (j *Journal) LastCheckpoint() uint64 { return j.lastCheckpoint }

// Head returns the highest sequence assigned so far, or zero.
func (j *Journal) Head() uint64 { return j.nextSeq - 1 }

// Replay scans entries with sequence greater than fromSeq and re-drives
// every valid entry that is neither committed, rolled back nor a
// checkpoint through apply, marking it committed afterwards. Entries that
// fail validation are logged and skipped; replay continues past them.
func (j *Journal) Replay(fromSeq uint64, apply func(*Entry) error) error {
	off := int64(FileHeaderSize)
	for {
		e, next, err := j.readEntryAt(off)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			j.log.WithError(err).WithField("offset", off).Warn("replay stopped at unreadable entry")
			return nil
		}
		if e != nil && e.Sequence > fromSeq &&
			!e.Flags.Has(FlagCommitted) && !e.Flags.Has(FlagRolledBack) && !e.Flags.Has(FlagCheckpoint) {
			if err := apply(e); err != nil {
				if errors.Is(err, ErrSkipEntry) {
					j.log.WithError(err).WithField("sequence", e.Sequence).Warn("replay skipped entry")
					off = next
					continue
				}
				return fmt.Errorf("replaying entry %d: %w", e.Sequence, err)
			}
			if err := j.MarkCommitted(e.Sequence); err != nil {
				return err
			}
		}
		off = next
	}
}

// Entries returns every committed entry with sequence greater than
// sinceSeq, in file order. Damaged entries are skipped.
func (j *Journal) Entries(sinceSeq uint64) ([]*Entry, error) {
	return j.list(sinceSeq, func(e *Entry) bool {
		return e.Flags.Has(FlagCommitted)
	})
}

// EntriesSince returns every entry with sequence greater than sinceSeq
// that was not rolled back, in file order. Unlike Entries it includes
// entries durably appended but not yet flagged committed, which is what
// snapshot reconstruction needs after a commit failed past the
// durability boundary. Damaged entries are skipped.
func (j *Journal) EntriesSince(sinceSeq uint64) ([]*Entry, error) {
	return j.list(sinceSeq, func(e *Entry) bool {
		return !e.Flags.Has(FlagRolledBack)
	})
}

func (j *Journal) list(sinceSeq uint64, keep func(*Entry) bool) ([]*Entry, error) {
	var out []*Entry
	off := int64(FileHeaderSize)
	for {
		e, next, err := j.readEntryAt(off)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			j.log.WithError(err).WithField("offset", off).Warn("entry listing stopped at unreadable entry")
			return out, nil
		}
		if e != nil && e.Sequence > sinceSeq && keep(e) {
			out = append(out, e)
		}
		off = next
	}
}

// Close closes the journal file without flushing.
func (j *Journal) Close() error {
	return j.f.Close()
}
