// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package statelog

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/quorumkv/raftlog/types"
)

// metadataMagic is the fixed magic number identifying a metadata section,
// per spec §3.
const metadataMagic = uint64(0x491EC8B1C5AF1AAA)

// MetadataEncodingVersion is bumped whenever the on-disk metadata layout
// changes incompatibly. It isn't persisted in the section itself (the
// 64-byte section budget is fully accounted for by the fields below); a
// version bump instead changes metadataMagic so old and new readers never
// silently misinterpret each other's bytes.
const MetadataEncodingVersion = 1

// Each section is exactly 64 bytes: magic(8) + counter(4) + currentTerm(8) +
// votedFor(8) + highestPrevTerm(8) + highestTerm(8) + highestPosition(8) +
// durablePosition(8) + crc32c(4) = 64.
const (
	sectionSize = 64
	regionGap   = 4096 // section offset is (counter & 1) << 12
	fileSize    = regionGap + sectionSize

	offMagic           = 0
	offCounter         = 8
	offCurrentTerm     = 12
	offVotedFor        = 20
	offHighestPrevTerm = 28
	offHighestTerm     = 36
	offHighestPosition = 44
	offDurablePosition = 52
	offCRC             = 60
)

// metadataFields is the decoded content of one metadata section.
type metadataFields struct {
	counter         uint32
	currentTerm     types.Term
	votedFor        types.MemberID
	highestPrevTerm types.Term
	highestTerm     types.Term
	highestPosition types.Position
	durablePosition types.Position
}

func encodeSection(f metadataFields) []byte {
	buf := make([]byte, sectionSize)
	binary.LittleEndian.PutUint64(buf[offMagic:], metadataMagic)
	binary.LittleEndian.PutUint32(buf[offCounter:], f.counter)
	binary.LittleEndian.PutUint64(buf[offCurrentTerm:], uint64(f.currentTerm))
	binary.LittleEndian.PutUint64(buf[offVotedFor:], uint64(f.votedFor))
	binary.LittleEndian.PutUint64(buf[offHighestPrevTerm:], uint64(f.highestPrevTerm))
	binary.LittleEndian.PutUint64(buf[offHighestTerm:], uint64(f.highestTerm))
	binary.LittleEndian.PutUint64(buf[offHighestPosition:], uint64(f.highestPosition))
	binary.LittleEndian.PutUint64(buf[offDurablePosition:], uint64(f.durablePosition))
	crc := types.CRC32C(buf[:offCRC])
	binary.LittleEndian.PutUint32(buf[offCRC:], crc)
	return buf
}

// decodeSection validates magic and CRC before returning fields. sectionIdx
// is 0 or 1 (which slot this buffer was read from) and is cross-checked
// against the counter's parity bit.
func decodeSection(buf []byte, sectionIdx int) (metadataFields, error) {
	var f metadataFields
	if len(buf) != sectionSize {
		return f, fmt.Errorf("%w: short metadata section (%d bytes)", types.ErrCorrupt, len(buf))
	}
	if binary.LittleEndian.Uint64(buf[offMagic:]) != metadataMagic {
		return f, fmt.Errorf("%w: bad metadata magic", types.ErrCorrupt)
	}
	wantCRC := binary.LittleEndian.Uint32(buf[offCRC:])
	gotCRC := types.CRC32C(buf[:offCRC])
	if wantCRC != gotCRC {
		return f, fmt.Errorf("%w: metadata CRC mismatch", types.ErrChecksumMismatch)
	}
	f.counter = binary.LittleEndian.Uint32(buf[offCounter:])
	if int(f.counter&1) != sectionIdx {
		return f, fmt.Errorf("%w: metadata section %d holds counter %d (wrong parity)", types.ErrCorrupt, sectionIdx, f.counter)
	}
	f.currentTerm = types.Term(binary.LittleEndian.Uint64(buf[offCurrentTerm:]))
	f.votedFor = types.MemberID(binary.LittleEndian.Uint64(buf[offVotedFor:]))
	f.highestPrevTerm = types.Term(binary.LittleEndian.Uint64(buf[offHighestPrevTerm:]))
	f.highestTerm = types.Term(binary.LittleEndian.Uint64(buf[offHighestTerm:]))
	f.highestPosition = types.Position(binary.LittleEndian.Uint64(buf[offHighestPosition:]))
	f.durablePosition = types.Position(binary.LittleEndian.Uint64(buf[offDurablePosition:]))
	return f, nil
}

// metadataFile owns the fixed-layout, double-buffered, CRC-protected
// metadata file described in spec §3/§4.C.
type metadataFile struct {
	path    string
	file    *os.File
	counter uint32 // in-memory counter of the last section successfully fsynced
}

// openMetadataFile opens (creating if absent) the metadata file at path and
// recovers the latest valid section.
func openMetadataFile(path string, mkdirs bool) (*metadataFile, metadataFields, error) {
	_ = mkdirs // directory creation is handled by the caller (StateLog.Open) which knows basePath
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, metadataFields{}, fmt.Errorf("metadata: open %s: %w", path, err)
	}
	if err := lockExclusive(f); err != nil {
		f.Close()
		return nil, metadataFields{}, fmt.Errorf("metadata: open by another process: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, metadataFields{}, err
	}
	mf := &metadataFile{path: path, file: f}

	if info.Size() < fileSize {
		// Fresh file: initialize both sections so future parity checks are
		// well defined, and seed section 0 with zero-valued fields.
		if err := f.Truncate(fileSize); err != nil {
			f.Close()
			return nil, metadataFields{}, fmt.Errorf("metadata: truncate: %w", err)
		}
		init := encodeSection(metadataFields{counter: 0})
		if _, err := f.WriteAt(init, 0); err != nil {
			f.Close()
			return nil, metadataFields{}, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, metadataFields{}, err
		}
		mf.counter = 0
		return mf, metadataFields{counter: 0}, nil
	}

	var bufA, bufB [sectionSize]byte
	if _, err := f.ReadAt(bufA[:], 0); err != nil {
		f.Close()
		return nil, metadataFields{}, fmt.Errorf("metadata: read section A: %w", err)
	}
	if _, err := f.ReadAt(bufB[:], regionGap); err != nil {
		f.Close()
		return nil, metadataFields{}, fmt.Errorf("metadata: read section B: %w", err)
	}

	fa, errA := decodeSection(bufA[:], 0)
	fb, errB := decodeSection(bufB[:], 1)

	switch {
	case errA == nil && errB == nil:
		if fb.counter > fa.counter {
			mf.counter = fb.counter
			return mf, fb, nil
		}
		mf.counter = fa.counter
		return mf, fa, nil
	case errA == nil:
		mf.counter = fa.counter
		return mf, fa, nil
	case errB == nil:
		mf.counter = fb.counter
		return mf, fb, nil
	default:
		f.Close()
		return nil, metadataFields{}, fmt.Errorf("metadata: both sections invalid: %v / %v", errA, errB)
	}
}

// write encodes fields into the next alternating section, fsyncs, and only
// then updates the in-memory counter.
func (mf *metadataFile) write(f metadataFields) error {
	next := mf.counter + 1
	f.counter = next
	buf := encodeSection(f)
	offset := int64(next&1) * regionGap
	if _, err := mf.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("metadata: write: %w", err)
	}
	if err := mf.file.Sync(); err != nil {
		return fmt.Errorf("metadata: fsync: %w", err)
	}
	mf.counter = next
	return nil
}

func (mf *metadataFile) close() error {
	return mf.file.Close()
}
