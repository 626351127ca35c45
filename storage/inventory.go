package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/ruteri/cvmctl/interfaces"
)

const lockRetryDelay = 25 * time.Millisecond

// FileInventory implements interfaces.InventoryStore on the local file system.
type FileInventory struct {
	baseDir string
	log     *slog.Logger
	archive interfaces.ArchiveBackend
	now     func() time.Time

	mu    sync.Mutex
	locks map[interfaces.InstanceID]*sync.Mutex
}

// NewFileInventory opens or creates an inventory rooted at baseDir.
func NewFileInventory(baseDir string, log *slog.Logger) (*FileInventory, error) {
	for _, sub := range []string{"instances", "evidence", "archive", filepath.Join("archive", "evidence"), "locks"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	return &FileInventory{
		baseDir: baseDir,
		log:     log,
		now:     time.Now,
		locks:   make(map[interfaces.InstanceID]*sync.Mutex),
	}, nil
}

// WithArchive mirrors archived records to backend.
func (s *FileInventory) WithArchive(backend interfaces.ArchiveBackend) *FileInventory {
	s.archive = backend
	return s
}

// WithClock replaces the time source.
func (s *FileInventory) WithClock(now func() time.Time) *FileInventory {
	s.now = now
	return s
}

// BaseDir returns the inventory root.
func (s *FileInventory) BaseDir() string {
	return s.baseDir
}

func (s *FileInventory) instancePath(id interfaces.InstanceID) string {
	return filepath.Join(s.baseDir, "instances", id.String()+".json")
}

func (s *FileInventory) archivePath(id interfaces.InstanceID) string {
	return filepath.Join(s.baseDir, "archive", id.String()+".json")
}

func (s *FileInventory) evidenceDir(id interfaces.InstanceID) string {
	return filepath.Join(s.baseDir, "evidence", id.String())
}

func (s *FileInventory) archivedEvidenceDir(id interfaces.InstanceID) string {
	return filepath.Join(s.baseDir, "archive", "evidence", id.String())
}

// lock serializes access to one instance within the process and across
// processes.
func (s *FileInventory) lock(ctx context.Context, id interfaces.InstanceID) (func(), error) {
	if strings.ContainsAny(id.String(), `/\`) || id == "" {
		return nil, fmt.Errorf("invalid instance id %q", id)
	}

	s.mu.Lock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	s.mu.Unlock()
	m.Lock()

	fl := flock.New(filepath.Join(s.baseDir, "locks", id.String()+".lock"))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		m.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("failed to lock instance %s: %w", id, err)
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			s.log.Warn("Failed to release instance lock", slog.String("instance", id.String()), "err", err)
		}
		m.Unlock()
	}, nil
}

func (s *FileInventory) Create(ctx context.Context, inst *interfaces.Instance) error {
	unlock, err := s.lock(ctx, inst.ID)
	if err != nil {
		return err
	}
	defer unlock()

	for _, path := range []string{s.instancePath(inst.ID), s.archivePath(inst.ID)} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", interfaces.ErrInstanceExists, inst.ID)
		}
	}

	rec := inst.Clone()
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.StateEnteredAt.IsZero() {
		rec.StateEnteredAt = now
	}
	rec.UpdatedAt = now
	rec.Version = 1

	if err := writeJSONAtomic(s.instancePath(inst.ID), rec); err != nil {
		return err
	}
	*inst = *rec

	s.log.Debug("Created instance record",
		slog.String("instance", inst.ID.String()),
		slog.String("provider", inst.Provider.String()),
		slog.String("state", inst.State.String()))
	return nil
}

func (s *FileInventory) Get(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error) {
	var inst interfaces.Instance
	err := readJSON(s.instancePath(id), &inst)
	if errors.Is(err, fs.ErrNotExist) {
		err = readJSON(s.archivePath(id), &inst)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrInstanceNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *FileInventory) List(ctx context.Context, includeArchived bool) ([]*interfaces.Instance, error) {
	dirs := []string{filepath.Join(s.baseDir, "instances")}
	if includeArchived {
		dirs = append(dirs, filepath.Join(s.baseDir, "archive"))
	}

	var out []*interfaces.Instance
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			var inst interfaces.Instance
			if err := readJSON(filepath.Join(dir, e.Name()), &inst); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					// Archived between ReadDir and read.
					continue
				}
				s.log.Warn("Skipping unreadable instance record", slog.String("file", e.Name()), "err", err)
				continue
			}
			out = append(out, &inst)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *FileInventory) Update(ctx context.Context, id interfaces.InstanceID, fn func(inst *interfaces.Instance) error) (*interfaces.Instance, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.readActive(id)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.Version = current.Version + 1
	next.UpdatedAt = s.now()

	if err := writeJSONAtomic(s.instancePath(id), next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *FileInventory) readActive(id interfaces.InstanceID) (*interfaces.Instance, error) {
	var inst interfaces.Instance
	err := readJSON(s.instancePath(id), &inst)
	if errors.Is(err, fs.ErrNotExist) {
		if _, aerr := os.Stat(s.archivePath(id)); aerr == nil {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrInstanceArchived, id)
		}
		return nil, fmt.Errorf("%w: %s", interfaces.ErrInstanceNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *FileInventory) AppendEvidence(ctx context.Context, id interfaces.InstanceID, rec *interfaces.EvidenceRecord) (*interfaces.EvidenceRecord, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.readActive(id); err != nil {
		return nil, err
	}

	dir := s.evidenceDir(id)
	existing, err := evidenceFiles(dir)
	if err != nil {
		return nil, err
	}

	out := *rec
	out.Seq = len(existing) + 1
	if out.RecordedAt.IsZero() {
		out.RecordedAt = s.now()
	}
	name := fmt.Sprintf("%06d-%s.json", out.Seq, out.Evidence.ID.String())
	if err := writeJSONAtomic(filepath.Join(dir, name), &out); err != nil {
		return nil, err
	}

	s.log.Debug("Recorded attestation evidence",
		slog.String("instance", id.String()),
		slog.Int("seq", out.Seq),
		slog.String("verdict", string(out.Result.Verdict)))
	return &out, nil
}

func (s *FileInventory) Evidence(ctx context.Context, id interfaces.InstanceID) ([]*interfaces.EvidenceRecord, error) {
	dir := s.evidenceDir(id)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		dir = s.archivedEvidenceDir(id)
	}

	names, err := evidenceFiles(dir)
	if err != nil {
		return nil, err
	}

	out := make([]*interfaces.EvidenceRecord, 0, len(names))
	for _, name := range names {
		var rec interfaces.EvidenceRecord
		if err := readJSON(filepath.Join(dir, name), &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, nil
}

func evidenceFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// archivedRecord is the document mirrored to archive backends.
type archivedRecord struct {
	Instance *interfaces.Instance         `json:"instance"`
	Evidence []*interfaces.EvidenceRecord `json:"evidence"`
}

func (s *FileInventory) Archive(ctx context.Context, id interfaces.InstanceID) error {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	inst, err := s.readActive(id)
	if errors.Is(err, interfaces.ErrInstanceArchived) {
		return nil
	}
	if err != nil {
		return err
	}

	now := s.now()
	inst.ArchivedAt = &now
	inst.UpdatedAt = now
	inst.Version++
	if err := writeJSONAtomic(s.archivePath(id), inst); err != nil {
		return err
	}

	if _, err := os.Stat(s.evidenceDir(id)); err == nil {
		if err := os.Rename(s.evidenceDir(id), s.archivedEvidenceDir(id)); err != nil {
			return fmt.Errorf("failed to archive evidence: %w", err)
		}
	}
	if err := os.Remove(s.instancePath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove active record: %w", err)
	}

	s.log.Info("Archived instance record", slog.String("instance", id.String()))

	if s.archive != nil {
		s.mirror(ctx, inst)
	}
	return nil
}

func (s *FileInventory) mirror(ctx context.Context, inst *interfaces.Instance) {
	evidence, err := s.Evidence(ctx, inst.ID)
	if err != nil {
		s.log.Warn("Failed to read evidence for archive mirror", slog.String("instance", inst.ID.String()), "err", err)
	}
	data, err := json.Marshal(archivedRecord{Instance: inst, Evidence: evidence})
	if err != nil {
		s.log.Warn("Failed to encode archive mirror", slog.String("instance", inst.ID.String()), "err", err)
		return
	}
	if err := s.archive.Store(ctx, inst.ID.String()+".json", data); err != nil {
		s.log.Warn("Failed to mirror archived record",
			slog.String("instance", inst.ID.String()),
			slog.String("backend", s.archive.Name()),
			"err", err)
	}
}
