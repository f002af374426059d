// Package group implements the persisted membership roster (component F): a
// text file keyed by member id, versioned, with a crash-safe write sequence
// (write to `.new`, fsync, rename old to `.old`, rename new to current) and
// the propose/apply two-phase protocol for membership mutations.
package group

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/quorumkv/raftlog/types"
)

const implementationTag = "raftlog-group-v1"

// Member is one roster entry.
type Member struct {
	ID      types.MemberID
	Address string
	Role    types.Role
}

// File is the in-memory, mutex-guarded roster plus its backing path.
type File struct {
	path string

	mu        sync.Mutex
	version   uint64
	groupID   uint64
	members   map[types.MemberID]Member
	callbacks map[string][]Callback
}

// Callback is invoked with a snapshot of the roster immediately after Apply
// successfully processes the exact proposal bytes it was registered
// against.
type Callback func(Snapshot)

// Snapshot is a point-in-time copy of the roster delivered to a Propose
// callback.
type Snapshot struct {
	Version uint64
	GroupID uint64
	Members []Member
}

func (f *File) snapshotLocked() Snapshot {
	out := make([]Member, 0, len(f.members))
	for _, m := range f.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return Snapshot{Version: f.version, GroupID: f.groupID, Members: out}
}

// Config seeds a brand-new group file when none exists on disk yet.
type Config struct {
	Path           string
	GroupID        uint64
	CreateFilePath bool
	Seed           []Member
}

// Open loads path, preferring `path.new` then `path` then `path.old`, or
// initializes a fresh file from cfg.Seed if none of the three exist. With
// cfg.CreateFilePath set, the parent directory is created first.
func Open(cfg Config) (*File, error) {
	if cfg.CreateFilePath {
		// best effort; real mkdir failures surface on the first write below
		_ = os.MkdirAll(filepath.Dir(cfg.Path), 0o755)
	}
	for _, candidate := range []string{cfg.Path + ".new", cfg.Path, cfg.Path + ".old"} {
		f, err := os.Open(candidate)
		if err != nil {
			continue
		}
		gf, err := parse(cfg.Path, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("group: parse %s: %w", candidate, err)
		}
		return gf, nil
	}

	gf := &File{path: cfg.Path, version: 0, groupID: cfg.GroupID, members: make(map[types.MemberID]Member), callbacks: make(map[string][]Callback)}
	for _, m := range cfg.Seed {
		gf.members[m.ID] = m
	}
	if err := gf.persist(); err != nil {
		return nil, err
	}
	return gf, nil
}

func parse(path string, r *os.File) (*File, error) {
	gf := &File{path: path, members: make(map[types.MemberID]Member), callbacks: make(map[string][]Callback)}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue // unrecognized line shape, ignored per spec
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "version":
			v, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad version %q", types.ErrCorrupt, val)
			}
			gf.version = v
		case "groupId":
			v, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad groupId %q", types.ErrCorrupt, val)
			}
			gf.groupID = v
		default:
			id, err := strconv.ParseUint(key, 10, 64)
			if err != nil {
				continue // not a member line and not a recognized key: ignore
			}
			addr, roleName, ok := strings.Cut(val, "|")
			if !ok {
				continue
			}
			role, err := types.ParseRole(strings.TrimSpace(roleName))
			if err != nil {
				return nil, err
			}
			gf.members[types.MemberID(id)] = Member{ID: types.MemberID(id), Address: strings.TrimSpace(addr), Role: role}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return gf, nil
}

// Version returns the current roster version.
func (f *File) Version() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version
}

// GroupID returns the immutable group identifier.
func (f *File) GroupID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groupID
}

// Members returns a sorted snapshot of the current roster.
func (f *File) Members() []Member {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Member, 0, len(f.members))
	for _, m := range f.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Opcode identifies the kind of membership mutation a Proposal encodes.
type Opcode uint8

const (
	OpJoin   Opcode = 1
	OpRole   Opcode = 2
	OpRemove Opcode = 3
)

// Proposal is the control byte string a leader replicates to mutate the
// roster: {opcode, expectedVersion, payload}. Per spec §4.G the proposer
// registers an optional callback keyed by the exact encoded bytes, so two
// byte-identical proposals share one callback registration.
type Proposal struct {
	Op              Opcode
	ExpectedVersion uint64
	MemberID        types.MemberID // OpRole, OpRemove
	Address         string         // OpJoin
	Role            types.Role     // OpJoin, OpRole
}

// Encode serializes a Proposal into the exact bytes that get replicated as
// the log's control message payload.
func (p Proposal) Encode() []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %d", p.Op, p.ExpectedVersion)
	switch p.Op {
	case OpJoin:
		fmt.Fprintf(&sb, " %s %s", p.Address, p.Role)
	case OpRole:
		fmt.Fprintf(&sb, " %d %s", p.MemberID, p.Role)
	case OpRemove:
		fmt.Fprintf(&sb, " %d", p.MemberID)
	}
	return []byte(sb.String())
}

// DecodeProposal parses bytes produced by Proposal.Encode.
func DecodeProposal(b []byte) (Proposal, error) {
	fields := strings.Fields(string(b))
	if len(fields) < 2 {
		return Proposal{}, fmt.Errorf("%w: malformed group proposal", types.ErrCorrupt)
	}
	opv, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return Proposal{}, fmt.Errorf("%w: malformed group proposal opcode", types.ErrCorrupt)
	}
	ver, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Proposal{}, fmt.Errorf("%w: malformed group proposal version", types.ErrCorrupt)
	}
	p := Proposal{Op: Opcode(opv), ExpectedVersion: ver}
	switch p.Op {
	case OpJoin:
		if len(fields) != 4 {
			return Proposal{}, fmt.Errorf("%w: malformed join proposal", types.ErrCorrupt)
		}
		role, err := types.ParseRole(fields[3])
		if err != nil {
			return Proposal{}, err
		}
		p.Address, p.Role = fields[2], role
	case OpRole:
		if len(fields) != 4 {
			return Proposal{}, fmt.Errorf("%w: malformed role proposal", types.ErrCorrupt)
		}
		id, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return Proposal{}, fmt.Errorf("%w: malformed role proposal member id", types.ErrCorrupt)
		}
		role, err := types.ParseRole(fields[3])
		if err != nil {
			return Proposal{}, err
		}
		p.MemberID, p.Role = types.MemberID(id), role
	case OpRemove:
		if len(fields) != 3 {
			return Proposal{}, fmt.Errorf("%w: malformed remove proposal", types.ErrCorrupt)
		}
		id, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return Proposal{}, fmt.Errorf("%w: malformed remove proposal member id", types.ErrCorrupt)
		}
		p.MemberID = types.MemberID(id)
	default:
		return Proposal{}, fmt.Errorf("%w: unknown group proposal opcode %d", types.ErrCorrupt, opv)
	}
	return p, nil
}

// Propose registers cb to run with a roster snapshot once a proposal with
// these exact encoded bytes is delivered to Apply, and returns those bytes
// for the caller to replicate. Two byte-identical proposals share one
// registration slot. cb may be nil if the caller doesn't need a completion
// signal.
func (f *File) Propose(p Proposal, cb Callback) []byte {
	b := p.Encode()
	if cb != nil {
		f.mu.Lock()
		f.callbacks[string(b)] = append(f.callbacks[string(b)], cb)
		f.mu.Unlock()
	}
	return b
}

// Apply executes a delivered Proposal against the roster: it checks
// ExpectedVersion against the current version, mutates the roster, bumps
// the version, and fsyncs the crash-safe rename sequence before returning.
// A version mismatch aborts without mutating the file or bumping version.
// On success, any callback registered via Propose for these exact proposal
// bytes is delivered a roster snapshot taken under the same lock as the
// mutation.
func (f *File) Apply(p Proposal) error {
	f.mu.Lock()
	if p.ExpectedVersion != f.version {
		f.mu.Unlock()
		return fmt.Errorf("%w: proposal expected version %d, roster is at %d", types.ErrVersionMismatch, p.ExpectedVersion, f.version)
	}
	switch p.Op {
	case OpJoin:
		id := nextMemberIDLocked(f.members)
		f.members[id] = Member{ID: id, Address: p.Address, Role: p.Role}
	case OpRole:
		m, ok := f.members[p.MemberID]
		if !ok {
			f.mu.Unlock()
			return fmt.Errorf("%w: role update for unknown member %d", types.ErrNotFound, p.MemberID)
		}
		m.Role = p.Role
		f.members[p.MemberID] = m
	case OpRemove:
		delete(f.members, p.MemberID)
	}
	f.version++
	if err := f.persist(); err != nil {
		f.mu.Unlock()
		return err
	}

	key := string(p.Encode())
	cbs := f.callbacks[key]
	delete(f.callbacks, key)
	snap := f.snapshotLocked()
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(snap)
	}
	return nil
}

func nextMemberIDLocked(members map[types.MemberID]Member) types.MemberID {
	var max types.MemberID
	for id := range members {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// persist writes the roster to `path.new`, fsyncs it, renames the current
// file to `path.old` (if present), then renames `path.new` to `path`. Must
// be called with f.mu held.
func (f *File) persist() error {
	newPath := f.path + ".new"
	oldPath := f.path + ".old"

	tmp, err := os.Create(newPath)
	if err != nil {
		return fmt.Errorf("group: create %s: %w", newPath, err)
	}
	if _, err := tmp.WriteString(f.render()); err != nil {
		tmp.Close()
		return fmt.Errorf("group: write %s: %w", newPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("group: fsync %s: %w", newPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("group: close %s: %w", newPath, err)
	}

	if _, err := os.Stat(f.path); err == nil {
		if err := os.Rename(f.path, oldPath); err != nil {
			return fmt.Errorf("group: stage old: %w", err)
		}
	}
	if err := os.Rename(newPath, f.path); err != nil {
		return fmt.Errorf("group: install new: %w", err)
	}
	return nil
}

func (f *File) render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%s\n", implementationTag)
	fmt.Fprintf(&sb, "version = %d\n", f.version)
	fmt.Fprintf(&sb, "groupId = %d\n", f.groupID)
	ids := make([]types.MemberID, 0, len(f.members))
	for id := range f.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		m := f.members[id]
		fmt.Fprintf(&sb, "%d = %s | %s\n", m.ID, m.Address, m.Role)
	}
	return sb.String()
}
