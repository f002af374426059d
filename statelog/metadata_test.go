// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package statelog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/quorumkv/raftlog/types"
	"github.com/stretchr/testify/require"
)

func TestMetadataFreshFileInitializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.md")
	mf, f, err := openMetadataFile(path, false)
	require.NoError(t, err)
	defer mf.close()
	require.Zero(t, f.currentTerm)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, fileSize, info.Size())
}

func TestMetadataWriteAndRecover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.md")
	mf, _, err := openMetadataFile(path, false)
	require.NoError(t, err)

	require.NoError(t, mf.write(metadataFields{
		currentTerm:     5,
		votedFor:        2,
		highestPrevTerm: 4,
		highestTerm:     5,
		highestPosition: 100,
		durablePosition: 90,
	}))
	require.NoError(t, mf.write(metadataFields{
		currentTerm:     6,
		votedFor:        3,
		highestPrevTerm: 5,
		highestTerm:     6,
		highestPosition: 150,
		durablePosition: 140,
	}))
	require.NoError(t, mf.close())

	mf2, f, err := openMetadataFile(path, false)
	require.NoError(t, err)
	defer mf2.close()
	require.EqualValues(t, 6, f.currentTerm)
	require.EqualValues(t, 150, f.highestPosition)
	require.EqualValues(t, 140, f.durablePosition)
}

func TestMetadataSurvivesTruncatedSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.md")
	mf, _, err := openMetadataFile(path, false)
	require.NoError(t, err)
	require.NoError(t, mf.write(metadataFields{currentTerm: 1, highestPosition: 10, durablePosition: 10}))
	require.NoError(t, mf.write(metadataFields{currentTerm: 2, highestPosition: 20, durablePosition: 20}))
	require.NoError(t, mf.close())

	// Corrupt the most recently written section (counter=2, even, at offset 0)
	// by truncating its tail, simulating a crash mid-fsync.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	zeros := make([]byte, 10)
	_, err = f.WriteAt(zeros, sectionSize-10)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	mf2, recovered, err := openMetadataFile(path, false)
	require.NoError(t, err)
	defer mf2.close()
	// Falls back to the previous valid section (counter=1).
	require.EqualValues(t, 1, recovered.currentTerm)
	require.EqualValues(t, 10, recovered.highestPosition)
}

func TestMetadataCRCMismatchRejected(t *testing.T) {
	buf := encodeSection(metadataFields{currentTerm: 9})
	buf[20] ^= 0xFF // flip a data byte without fixing CRC
	_, err := decodeSection(buf, 0)
	require.ErrorIs(t, err, types.ErrChecksumMismatch)
}
