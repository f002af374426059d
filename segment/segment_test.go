// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/quorumkv/raftlog/types"
	"github.com/stretchr/testify/require"
)

func TestCreateWriteRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Name("base", 1, 1, 0))

	s, err := Create(path, 1, 1, 0, 16, false)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteAt([]byte("hello"), 0))
	require.EqualValues(t, 5, s.Filled())

	buf := make([]byte, 5)
	n, err := s.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))

	_, err = s.ReadAt(buf, 5)
	require.ErrorIs(t, err, io.EOF)
}

func TestWriteIdempotentOverlap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Name("base", 2, 2, 100))
	s, err := Create(path, 2, 2, 100, 32, false)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteAt([]byte("abcdef"), 100))
	// Same bytes overlapping: accepted.
	require.NoError(t, s.WriteAt([]byte("cdef"), 102))
	// Conflicting bytes overlapping: rejected.
	err = s.WriteAt([]byte("XXXX"), 102)
	require.ErrorIs(t, err, types.ErrCorrupt)
}

func TestWriteBeyondCapacityFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Name("base", 1, 1, 0))
	s, err := Create(path, 1, 1, 0, 4, false)
	require.NoError(t, err)
	defer s.Close()

	err = s.WriteAt([]byte("toolong"), 0)
	require.Error(t, err)
}

func TestOpenValidatesHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Name("base", 1, 1, 0))
	s, err := Create(path, 1, 1, 0, 8, false)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path, 1, 2 /* wrong term */, 0, 8)
	require.ErrorIs(t, err, types.ErrCorrupt)

	s2, err := Open(path, 1, 1, 0, 8)
	require.NoError(t, err)
	defer s2.Close()
}

func TestDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Name("base", 1, 1, 0))
	s, err := Create(path, 1, 1, 0, 8, false)
	require.NoError(t, err)
	require.NoError(t, s.Delete())

	_, err = Open(path, 1, 1, 0, 8)
	require.Error(t, err)
}
