// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package statelog implements the state log (component C): the union of all
// term logs plus the durable metadata file. It generalizes the teacher's
// (dreamsxin/wal) atomic-state-snapshot WAL to a byte-position keyed log with
// an explicit term dimension, and its canonical two-lock ordering
// (metadata before log) per spec §5.
package statelog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quorumkv/raftlog/segment"
	"github.com/quorumkv/raftlog/termlog"
	"github.com/quorumkv/raftlog/types"
)

// termLogEntry pairs a term log with the prevTerm it was registered under,
// since prevTerm is a property of the (prevTerm,term,start) registration
// triple rather than something the TermLog tracks about itself.
type termLogEntry struct {
	prevTerm types.Term
	tl       *termlog.TermLog
}

// Config configures a StateLog.
type Config struct {
	BasePath        string // e.g. "/var/lib/raftlog/group1"; metadata is BasePath+".md"
	CreateFilePath  bool
	SegmentCapacity uint32
	Logger          log.Logger
	Registerer      prometheus.Registerer
}

// StateLog is the union of all term logs plus the durable metadata file.
type StateLog struct {
	basePath        string
	mkdirs          bool
	segmentCapacity uint32
	logger          log.Logger
	metrics         *metrics

	// metaMu is the "metadata" latch. Canonical lock order is metadata then
	// log: any code path that needs both must acquire metaMu before logMu.
	metaMu sync.Mutex
	meta   *metadataFile

	currentTerm     types.Term
	votedFor        types.MemberID
	highestPrevTerm types.Term
	highestTerm     types.Term
	highestPosition types.Position
	durablePosition types.Position

	// logMu is the readers-writer latch guarding termLogs.
	logMu    sync.RWMutex
	termLogs map[types.Position]*termLogEntry
}

// Open recovers (or initializes) a state log rooted at cfg.BasePath.
func Open(cfg Config) (*StateLog, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.SegmentCapacity == 0 {
		cfg.SegmentCapacity = 64 * 1024 * 1024
	}
	if cfg.CreateFilePath {
		if err := os.MkdirAll(filepath.Dir(cfg.BasePath), 0o755); err != nil {
			return nil, fmt.Errorf("statelog: mkdir: %w", err)
		}
	}

	meta, fields, err := openMetadataFile(cfg.BasePath+".md", cfg.CreateFilePath)
	if err != nil {
		return nil, err
	}

	sl := &StateLog{
		basePath:        cfg.BasePath,
		mkdirs:          cfg.CreateFilePath,
		segmentCapacity: cfg.SegmentCapacity,
		logger:          cfg.Logger,
		metrics:         newMetrics(cfg.Registerer),
		meta:            meta,
		currentTerm:     fields.currentTerm,
		votedFor:        fields.votedFor,
		highestPrevTerm: fields.highestPrevTerm,
		highestTerm:     fields.highestTerm,
		highestPosition: fields.highestPosition,
		durablePosition: fields.durablePosition,
		termLogs:        make(map[types.Position]*termLogEntry),
	}

	if err := sl.recoverSegments(); err != nil {
		meta.close()
		return nil, err
	}

	if len(sl.termLogs) == 0 {
		// Primordial term log: nothing on disk yet.
		tl := termlog.New(termlog.Config{
			BasePath:        sl.basePath,
			Mkdirs:          sl.mkdirs,
			SegmentCapacity: sl.segmentCapacity,
			PrevTerm:        sl.highestTerm,
			Term:            sl.highestTerm,
			StartPosition:   sl.highestPosition,
			Logger:          sl.logger,
		})
		sl.termLogs[sl.highestPosition] = &termLogEntry{prevTerm: sl.highestTerm, tl: tl}
	}

	sl.Commit(sl.durablePosition)
	sl.refreshGauges()
	return sl, nil
}

// recoverSegments scans basePath-prefixed segment files, drops ones whose
// term exceeds highestTerm (stale data from a leader that was later
// superseded before its writes were ever durable), and reassembles the
// remaining ones into term logs grouped by (prevTerm, term, start).
func (sl *StateLog) recoverSegments() error {
	dir := filepath.Dir(sl.basePath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("statelog: scan segment dir: %w", err)
	}

	type found struct {
		prevTerm, term types.Term
		start          types.Position
		path           string
	}
	var segs []found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		full := filepath.Join(dir, e.Name())
		pt, t, start, ok := segment.ParseName(sl.basePath, full)
		if !ok {
			continue
		}
		if t > sl.highestTerm {
			if err := os.Remove(full); err != nil {
				level.Error(sl.logger).Log("msg", "failed to remove stale segment", "path", full, "err", err)
			}
			continue
		}
		segs = append(segs, found{prevTerm: pt, term: t, start: start, path: full})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].start < segs[j].start })

	byStart := map[types.Position]*termLogEntry{}
	for _, fs := range segs {
		entry, ok := byStart[fs.start]
		if !ok {
			tl := termlog.New(termlog.Config{
				BasePath:        sl.basePath,
				Mkdirs:          sl.mkdirs,
				SegmentCapacity: sl.segmentCapacity,
				PrevTerm:        fs.prevTerm,
				Term:            fs.term,
				StartPosition:   fs.start,
				Logger:          sl.logger,
			})
			entry = &termLogEntry{prevTerm: fs.prevTerm, tl: tl}
			byStart[fs.start] = entry
		}
		seg, err := segment.Open(fs.path, fs.prevTerm, fs.term, fs.start, sl.segmentCapacity)
		if err != nil {
			return fmt.Errorf("statelog: reopen segment %s: %w", fs.path, err)
		}
		entry.tl.AdoptSegment(seg)
	}
	sl.termLogs = byStart
	return nil
}

func (sl *StateLog) sortedLogsLocked() []*termLogEntry {
	out := make([]*termLogEntry, 0, len(sl.termLogs))
	for _, e := range sl.termLogs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].tl.StartPosition() < out[j].tl.StartPosition() })
	return out
}

// DefineTerm idempotently registers a term log for the (prevTerm, term,
// position) triple. See spec §4.C for the full conflict-resolution contract.
func (sl *StateLog) DefineTerm(prevTerm, term types.Term, position types.Position) (*termlog.TermLog, error) {
	sl.logMu.Lock()
	defer sl.logMu.Unlock()

	if existing, ok := sl.termLogs[position]; ok {
		if existing.prevTerm == prevTerm && existing.tl.Term() == term {
			return existing.tl, nil // idempotent re-registration
		}
		if term < existing.tl.Term() {
			return nil, fmt.Errorf("%w: term %d older than existing term %d at position %d", types.ErrCommitConflict, term, existing.tl.Term(), position)
		}
	}

	// Any term log at or after position must be empty (no committed data) to
	// be safely discarded; otherwise this is a genuine commit conflict.
	var toDrop []types.Position
	for start, e := range sl.termLogs {
		if start < position {
			continue
		}
		if e.tl.CommitPosition() > e.tl.StartPosition() {
			sl.metrics.commitConflicts.Inc()
			return nil, &types.CommitConflictError{Position: start, DurablePosition: sl.durablePosition}
		}
		toDrop = append(toDrop, start)
	}
	for _, start := range toDrop {
		delete(sl.termLogs, start)
	}

	tl := termlog.New(termlog.Config{
		BasePath:        sl.basePath,
		Mkdirs:          sl.mkdirs,
		SegmentCapacity: sl.segmentCapacity,
		PrevTerm:        prevTerm,
		Term:            term,
		StartPosition:   position,
		Logger:          sl.logger,
	})
	sl.termLogs[position] = &termLogEntry{prevTerm: prevTerm, tl: tl}
	sl.metrics.termLogsDefined.Inc()
	return tl, nil
}

// CaptureHighest iterates term logs ascending, returning the info for the
// one whose highestPosition hasn't yet reached the next term log's start
// (i.e. the current frontier of contiguous data).
func (sl *StateLog) CaptureHighest() termlog.HighestInfo {
	sl.logMu.RLock()
	defer sl.logMu.RUnlock()
	logs := sl.sortedLogsLocked()
	for i, e := range logs {
		info := e.tl.CaptureHighest()
		if i == len(logs)-1 || info.HighestPosition < logs[i+1].tl.StartPosition() {
			return info
		}
	}
	return termlog.HighestInfo{}
}

// Commit finds the commit-bearing term log (lowest whose endPosition
// exceeds p) and applies commit in descending order across all term logs at
// or below it, so a concurrent ascending CaptureHighest never observes a
// higher term's commit before a lower term's.
func (sl *StateLog) Commit(p types.Position) {
	sl.logMu.RLock()
	logs := sl.sortedLogsLocked()
	sl.logMu.RUnlock()

	j := -1
	for i, e := range logs {
		if e.tl.EndPosition() > p {
			j = i
			break
		}
	}
	if j == -1 {
		j = len(logs) - 1
	}
	for i := j; i >= 0; i-- {
		if i == j {
			logs[i].tl.Commit(p)
		} else {
			logs[i].tl.Commit(logs[i].tl.EndPosition())
		}
	}
	sl.metrics.commitAdvances.Inc()
	sl.refreshGauges()
}

// MissingRange mirrors termlog.MissingRange with the owning term attached.
type MissingRange struct {
	Term       types.Term
	Start, End types.Position
}

// CheckForMissingData performs an ascending scan across all term logs,
// collecting gaps and remembering the highest fully contiguous position.
func (sl *StateLog) CheckForMissingData() (contig types.Position, gaps []MissingRange) {
	sl.logMu.RLock()
	defer sl.logMu.RUnlock()
	logs := sl.sortedLogsLocked()
	if len(logs) == 0 {
		return 0, nil
	}
	contig = logs[0].tl.StartPosition()
	for i, e := range logs {
		before := contig
		contig = e.tl.CheckForMissingData(contig, func(s, end types.Position) {
			gaps = append(gaps, MissingRange{Term: e.tl.Term(), Start: s, End: end})
		})
		if contig != e.tl.HighestPosition() {
			break // stopped mid-termlog; can't continue into the next one
		}
		if i < len(logs)-1 && contig != logs[i+1].tl.StartPosition() {
			break // a gap exists between this term log and the next
		}
		_ = before
	}
	return contig, gaps
}

// IncrementCurrentTerm bumps currentTerm by inc (used when a candidate
// starts an election) and votes for candidateId in the new term. Guarded by
// the metadata latch; fsyncs before returning.
func (sl *StateLog) IncrementCurrentTerm(inc types.Term, candidateID types.MemberID) (types.Term, error) {
	sl.metaMu.Lock()
	defer sl.metaMu.Unlock()
	sl.currentTerm += inc
	sl.votedFor = candidateID
	if err := sl.syncMetadataLocked(); err != nil {
		return 0, err
	}
	return sl.currentTerm, nil
}

// CheckCurrentTerm observes term from an incoming message; if term is
// higher, currentTerm is bumped and votedFor reset (new term, no vote cast
// yet), fsyncing before returning. Returns true if term was ahead of (and
// thus advanced) currentTerm.
func (sl *StateLog) CheckCurrentTerm(term types.Term) (bool, error) {
	sl.metaMu.Lock()
	defer sl.metaMu.Unlock()
	if term <= sl.currentTerm {
		return false, nil
	}
	sl.currentTerm = term
	sl.votedFor = 0
	if err := sl.syncMetadataLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// CheckCandidate records a vote for id in the current term if no vote has
// been cast yet (or id already holds the vote), fsyncing the grant.
func (sl *StateLog) CheckCandidate(id types.MemberID) (granted bool, err error) {
	sl.metaMu.Lock()
	defer sl.metaMu.Unlock()
	if sl.votedFor != 0 && sl.votedFor != id {
		return false, nil
	}
	if sl.votedFor == id {
		return true, nil
	}
	sl.votedFor = id
	if err := sl.syncMetadataLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// CurrentTerm returns the current term without side effects.
func (sl *StateLog) CurrentTerm() types.Term {
	sl.metaMu.Lock()
	defer sl.metaMu.Unlock()
	return sl.currentTerm
}

// SyncCommit verifies the (term, prevTerm) triple at position p, fsyncs
// segments up to p, and rewrites metadata with a new durablePosition if p
// exceeds the previous one. ok is false iff the term/prevTerm didn't match
// (the controller's SYNC_COMMIT handler then replies with position 0).
func (sl *StateLog) SyncCommit(prevTerm, term types.Term, p types.Position) (newDurable types.Position, ok bool, err error) {
	sl.logMu.RLock()
	var target *termlog.TermLog
	var tPrev types.Term
	for start, e := range sl.termLogs {
		if start <= p && p < e.tl.EndPosition() {
			target = e.tl
			tPrev = e.prevTerm
			break
		}
	}
	sl.logMu.RUnlock()

	if target == nil || target.Term() != term || tPrev != prevTerm {
		return 0, false, nil
	}
	if err := target.Sync(); err != nil {
		return 0, false, err
	}

	sl.metaMu.Lock()
	defer sl.metaMu.Unlock()
	if p > sl.durablePosition {
		sl.durablePosition = p
		if err := sl.syncMetadataLocked(); err != nil {
			return 0, false, err
		}
	}
	return sl.durablePosition, true, nil
}

// CommitDurable raises durablePosition only, without syncing segments. Used
// when durability has already been established by other means (e.g. a
// quorum syncCommit already fsynced the relevant segments elsewhere).
func (sl *StateLog) CommitDurable(p types.Position) error {
	sl.metaMu.Lock()
	defer sl.metaMu.Unlock()
	if p <= sl.durablePosition {
		return nil
	}
	sl.durablePosition = p
	return sl.syncMetadataLocked()
}

// DurablePosition returns the durable position without side effects.
func (sl *StateLog) DurablePosition() types.Position {
	sl.metaMu.Lock()
	defer sl.metaMu.Unlock()
	return sl.durablePosition
}

// syncMetadataLocked must be called with metaMu held. It snapshots the
// current highest position from the log layer, persists the full metadata
// record, and only updates in-memory highest* fields after a successful
// fsync.
func (sl *StateLog) syncMetadataLocked() error {
	hi := sl.CaptureHighest()
	fields := metadataFields{
		currentTerm:     sl.currentTerm,
		votedFor:        sl.votedFor,
		highestPrevTerm: sl.highestPrevTerm,
		highestTerm:     hi.Term,
		highestPosition: hi.HighestPosition,
		durablePosition: sl.durablePosition,
	}
	if err := sl.meta.write(fields); err != nil {
		return err
	}
	sl.highestTerm = hi.Term
	sl.highestPosition = hi.HighestPosition
	sl.metrics.metadataWrites.Inc()
	sl.refreshGauges()
	return nil
}

func (sl *StateLog) refreshGauges() {
	hi := sl.CaptureHighest()
	sl.metrics.highestPosition.Set(float64(hi.HighestPosition))
	sl.metrics.commitPosition.Set(float64(hi.CommitPosition))
	sl.metrics.durablePosition.Set(float64(sl.durablePosition))
}

// PrevTermAt returns prevTermAt(p) per spec §3: the term log's own term if p
// lies strictly inside it (including at its very end), or that log's
// registered prevTerm if p is exactly its start position — i.e. the term
// immediately preceding p, which crosses a term boundary only when p is the
// first byte after one.
func (sl *StateLog) PrevTermAt(p types.Position) (types.Term, bool) {
	sl.logMu.RLock()
	defer sl.logMu.RUnlock()
	var best types.Position
	var owner *termLogEntry
	for start, e := range sl.termLogs {
		if start <= p && (owner == nil || start > best) {
			best, owner = start, e
		}
	}
	if owner == nil {
		return 0, false
	}
	if best == p {
		return owner.prevTerm, true
	}
	if p <= owner.tl.EndPosition() {
		return owner.tl.Term(), true
	}
	return 0, false
}

// TermBoundary describes one term log's registration triple, for QUERY_TERMS
// probing of historical term boundaries.
type TermBoundary struct {
	PrevTerm types.Term
	Term     types.Term
	Start    types.Position
}

// TermBoundaries returns the registration triple of every term log whose
// start position falls within [start, end), ascending by start.
func (sl *StateLog) TermBoundaries(start, end types.Position) []TermBoundary {
	sl.logMu.RLock()
	defer sl.logMu.RUnlock()
	var out []TermBoundary
	for _, e := range sl.sortedLogsLocked() {
		s := e.tl.StartPosition()
		if s < start || s >= end {
			continue
		}
		out = append(out, TermBoundary{PrevTerm: e.prevTerm, Term: e.tl.Term(), Start: s})
	}
	return out
}

// TermLogAt returns the term log owning position p, if any.
func (sl *StateLog) TermLogAt(p types.Position) (*termlog.TermLog, bool) {
	sl.logMu.RLock()
	defer sl.logMu.RUnlock()
	var best types.Position
	var owner *termLogEntry
	for start, e := range sl.termLogs {
		if start <= p && (owner == nil || start > best) {
			best, owner = start, e
		}
	}
	if owner == nil || p >= owner.tl.EndPosition() {
		return nil, false
	}
	return owner.tl, true
}

// Compact raises the start of every term log whose range lies entirely
// below p to that log's end, and the start of the term log containing p to
// p.
func (sl *StateLog) Compact(p types.Position) error {
	sl.logMu.RLock()
	logs := sl.sortedLogsLocked()
	sl.logMu.RUnlock()
	for _, e := range logs {
		if e.tl.EndPosition() <= p {
			if err := e.tl.Compact(e.tl.EndPosition()); err != nil {
				return err
			}
			continue
		}
		if p > e.tl.StartPosition() {
			if err := e.tl.Compact(p); err != nil {
				return err
			}
		}
		break
	}
	sl.metrics.compactions.Inc()
	return nil
}

// Close closes the metadata file and releases its advisory lock.
func (sl *StateLog) Close() error {
	return sl.meta.close()
}
