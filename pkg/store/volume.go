package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrArchiveAppend wraps archive write failures; the caller treats them as
// storage errors and aborts the ingest atomically.
var ErrArchiveAppend = errors.New("archive append failed")

const (
	activeSuffix = ".active"
	sealedSuffix = ".sealed"
)

// Address locates a memory inside the archive: which volume file and the
// byte offset of its JSONL line.
type Address struct {
	Volume string `json:"volume"`
	Offset int64  `json:"offset"`
}

/// archiveLine is the on-disk line format: either a full Memory record or a
// tombstone marker for a previously written id.
type archiveLine struct {
	*Memory
	Tombstone bool `json:"_tombstone,omitempty"`
}

// VolumeManager owns the append-only JSONL archive. One volume file is
// active at a time; when it reaches maxBytes it is sealed (renamed
// *.active -> *.sealed, immutable afterwards) and a fresh volume opens.
// The address index resolves any memory id to (volume, offset) in O(1).
type VolumeManager struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	logger   *zap.Logger

	active     *os.File
	activeName string
	activeSize int64
	seq        int

	index      map[string]Address
	tombstones map[string]struct{}
}

// OpenVolumes opens (or creates) the archive under dir. Existing volumes
// are scanned to rebuild the address index; a torn tail line on the active
// volume is trimmed with a warning.
func OpenVolumes(dir string, maxBytes int64, logger *zap.Logger) (*VolumeManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveAppend, err)
	}

	vm := &VolumeManager{
		dir:        dir,
		maxBytes:   maxBytes,
		logger:     logger,
		index:      make(map[string]Address),
		tombstones: make(map[string]struct{}),
	}

	names, err := vm.volumeNames()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if strings.HasSuffix(name, activeSuffix) {
			if err := vm.trimTornTail(name); err != nil {
				return nil, err
			}
		}
		if err := vm.scanVolume(name); err != nil {
			return nil, err
		}
		if seq := volumeSeq(name); seq > vm.seq {
			vm.seq = seq
		}
	}

	if err := vm.openActive(names); err != nil {
		return nil, err
	}
	return vm, nil
}

// Append writes one memory to the active volume and fsyncs before
// returning. Rotation happens after the write so a record never spans
// volumes.
func (vm *VolumeManager) Append(m *Memory) (Address, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	line, err := json.Marshal(archiveLine{Memory: m})
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrArchiveAppend, err)
	}
	addr, err := vm.writeLine(line)
	if err != nil {
		return Address{}, err
	}
	vm.index[m.ID] = addr
	delete(vm.tombstones, m.ID)

	if vm.activeSize >= vm.maxBytes {
		if err := vm.rotate(); err != nil {
			return Address{}, err
		}
	}
	return addr, nil
}

// AppendTombstone records a logical deletion. The original record stays in
// place; readers treat the id as absent.
func (vm *VolumeManager) AppendTombstone(id string) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	line, err := json.Marshal(archiveLine{Memory: &Memory{ID: id}, Tombstone: true})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveAppend, err)
	}
	if _, err := vm.writeLine(line); err != nil {
		return err
	}
	vm.tombstones[id] = struct{}{}
	return nil
}

// Get reads the memory with the given id directly from its archive address.
// Tombstoned and unknown ids return (nil, false).
func (vm *VolumeManager) Get(id string) (*Memory, bool, error) {
	vm.mu.Lock()
	if _, dead := vm.tombstones[id]; dead {
		vm.mu.Unlock()
		return nil, false, nil
	}
	addr, ok := vm.index[id]
	vm.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	f, err := os.Open(filepath.Join(vm.dir, addr.Volume))
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(addr.Offset, io.SeekStart); err != nil {
		return nil, false, err
	}
	r := bufio.NewReader(f)
	raw, err := r.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	var rec archiveLine
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("archive record at %s+%d: %w", addr.Volume, addr.Offset, err)
	}
	return rec.Memory, true, nil
}

// Has reports whether the id resolves to a live archive record.
func (vm *VolumeManager) Has(id string) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if _, dead := vm.tombstones[id]; dead {
		return false
	}
	_, ok := vm.index[id]
	return ok
}

// Scan streams every live memory to fn in write order across all volumes.
// Used by the raw-text fallback and by index rebuilds. fn returning false
// stops the scan.
func (vm *VolumeManager) Scan(fn func(m *Memory) bool) error {
	vm.mu.Lock()
	names, err := vm.volumeNames()
	dead := make(map[string]struct{}, len(vm.tombstones))
	for id := range vm.tombstones {
		dead[id] = struct{}{}
	}
	vm.mu.Unlock()
	if err != nil {
		return err
	}

	for _, name := range names {
		stop, err := scanFile(filepath.Join(vm.dir, name), func(rec *archiveLine) bool {
			if rec.Tombstone || rec.Memory == nil {
				return true
			}
			if _, gone := dead[rec.Memory.ID]; gone {
				return true
			}
			return fn(rec.Memory)
		})
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// VolumeNames returns the archive file names in write order. Sealed volumes
// are immutable; only the last name may carry the active suffix.
func (vm *VolumeManager) VolumeNames() ([]string, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.volumeNames()
}

// Count returns the number of live (non-tombstoned) ids.
func (vm *VolumeManager) Count() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	n := 0
	for id := range vm.index {
		if _, dead := vm.tombstones[id]; !dead {
			n++
		}
	}
	return n
}

// Close seals nothing (the active volume stays active across restarts) but
// flushes and closes the file handle.
func (vm *VolumeManager) Close() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.active == nil {
		return nil
	}
	if err := vm.active.Sync(); err != nil {
		return err
	}
	err := vm.active.Close()
	vm.active = nil
	return err
}

// --- internals ---

func (vm *VolumeManager) writeLine(line []byte) (Address, error) {
	if vm.active == nil {
		return Address{}, fmt.Errorf("%w: volume manager closed", ErrArchiveAppend)
	}
	offset := vm.activeSize
	buf := append(line, '\n')
	if _, err := vm.active.Write(buf); err != nil {
		// A partial write leaves a torn tail; the next open trims it.
		return Address{}, fmt.Errorf("%w: %v", ErrArchiveAppend, err)
	}
	if err := vm.active.Sync(); err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrArchiveAppend, err)
	}
	vm.activeSize += int64(len(buf))
	return Address{Volume: vm.activeName, Offset: offset}, nil
}

func (vm *VolumeManager) rotate() error {
	if err := vm.active.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveAppend, err)
	}
	if err := vm.active.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveAppend, err)
	}
	sealed := strings.TrimSuffix(vm.activeName, activeSuffix) + sealedSuffix
	if err := os.Rename(filepath.Join(vm.dir, vm.activeName), filepath.Join(vm.dir, sealed)); err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveAppend, err)
	}
	// Addresses keep working after sealing: rewrite index entries that
	// pointed at the active name.
	for id, addr := range vm.index {
		if addr.Volume == vm.activeName {
			addr.Volume = sealed
			vm.index[id] = addr
		}
	}
	vm.logger.Info("archive volume sealed", zap.String("volume", sealed), zap.Int64("bytes", vm.activeSize))

	vm.seq++
	return vm.createActive()
}

func (vm *VolumeManager) createActive() error {
	name := fmt.Sprintf("vol-%04d%s", vm.seq, activeSuffix)
	f, err := os.OpenFile(filepath.Join(vm.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveAppend, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %v", ErrArchiveAppend, err)
	}
	vm.active = f
	vm.activeName = name
	vm.activeSize = st.Size()
	return nil
}

func (vm *VolumeManager) openActive(names []string) error {
	for _, name := range names {
		if strings.HasSuffix(name, activeSuffix) {
			f, err := os.OpenFile(filepath.Join(vm.dir, name), os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrArchiveAppend, err)
			}
			st, err := f.Stat()
			if err != nil {
				_ = f.Close()
				return fmt.Errorf("%w: %v", ErrArchiveAppend, err)
			}
			vm.active = f
			vm.activeName = name
			vm.activeSize = st.Size()
			return nil
		}
	}
	vm.seq++
	return vm.createActive()
}

// volumeNames lists volumes sorted by sequence number, sealed before the
// active one with the same prefix ordering.
func (vm *VolumeManager) volumeNames() ([]string, error) {
	entries, err := os.ReadDir(vm.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasPrefix(n, "vol-") && (strings.HasSuffix(n, activeSuffix) || strings.HasSuffix(n, sealedSuffix)) {
			names = append(names, n)
		}
	}
	sort.Slice(names, func(i, j int) bool { return volumeSeq(names[i]) < volumeSeq(names[j]) })
	return names, nil
}

func volumeSeq(name string) int {
	name = strings.TrimPrefix(name, "vol-")
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	var seq int
	_, _ = fmt.Sscanf(name, "%d", &seq)
	return seq
}

// scanVolume replays one volume into the address index.
func (vm *VolumeManager) scanVolume(name string) error {
	path := filepath.Join(vm.dir, name)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 1<<20)
	var offset int64
	for {
		raw, err := r.ReadBytes('\n')
		if len(raw) > 0 {
			var rec archiveLine
			if jsonErr := json.Unmarshal(raw, &rec); jsonErr == nil && rec.Memory != nil && rec.Memory.ID != "" {
				if rec.Tombstone {
					vm.tombstones[rec.Memory.ID] = struct{}{}
				} else {
					vm.index[rec.Memory.ID] = Address{Volume: name, Offset: offset}
					delete(vm.tombstones, rec.Memory.ID)
				}
			}
			offset += int64(len(raw))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// trimTornTail validates the last line of an active volume and truncates a
// partial write left by a crash.
func (vm *VolumeManager) trimTornTail(name string) error {
	path := filepath.Join(vm.dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	valid := int64(len(raw))
	if raw[len(raw)-1] != '\n' {
		// Missing terminator: drop everything after the last newline.
		if i := lastNewline(raw); i >= 0 {
			valid = int64(i + 1)
		} else {
			valid = 0
		}
	} else {
		// Terminated but possibly malformed JSON on the last line.
		start := 0
		if i := lastNewline(raw[:len(raw)-1]); i >= 0 {
			start = i + 1
		}
		var rec archiveLine
		if json.Unmarshal(raw[start:], &rec) != nil {
			valid = int64(start)
		}
	}

	if valid < int64(len(raw)) {
		vm.logger.Warn("trimming torn archive tail",
			zap.String("volume", name),
			zap.Int64("dropped_bytes", int64(len(raw))-valid))
		if err := os.Truncate(path, valid); err != nil {
			return err
		}
	}
	return nil
}

func lastNewline(b []byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == '\n' {
			return i
		}
	}
	return -1
}

// scanFile streams archive lines to fn; returns stop=true if fn aborted.
func scanFile(path string, fn func(rec *archiveLine) bool) (stop bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 16<<20)
	for sc.Scan() {
		var rec archiveLine
		if json.Unmarshal(sc.Bytes(), &rec) != nil {
			continue // torn or foreign line
		}
		if !fn(&rec) {
			return true, nil
		}
	}
	return false, sc.Err()
}
