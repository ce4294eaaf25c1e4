package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/ttlstore/blobstore"
)

const (
	ManifestFileName = "MANIFEST"
	CurrentFileName  = "CURRENT"
	// CurrentVersion is the version of the manifest format.
	CurrentVersion = 1
)

// Manifest describes the state of the engine at a specific point in time.
type Manifest struct {
	Version   int       `json:"version"`
	ID        uint64    `json:"id"`
	DBID      uuid.UUID `json:"db_id"`
	CreatedAt time.Time `json:"created_at"`
	// NextFileNum is the next number handed out for a table or log file.
	NextFileNum uint64 `json:"next_file_num"`
	// LastSeq is the highest sequence number contained in Tables.
	LastSeq uint64 `json:"last_seq"`
	// LogNum is the oldest write-ahead log whose contents are not yet in
	// Tables. Logs numbered below it can be deleted.
	LogNum         uint64         `json:"log_num"`
	ColumnFamilies []ColumnFamily `json:"column_families"`
	Tables         []TableInfo    `json:"tables"`
}

// ColumnFamily records a registered column family.
type ColumnFamily struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
	// Filter is the name of the compaction filter factory, if any.
	Filter string `json:"filter,omitempty"`
}

// TableInfo describes one sorted table.
type TableInfo struct {
	FileNum  uint64 `json:"file_num"`
	CF       uint32 `json:"cf"`
	Level    int    `json:"level"`
	Size     int64  `json:"size"`
	Entries  uint64 `json:"entries"`
	Smallest []byte `json:"smallest"`
	Largest  []byte `json:"largest"`
	// SmallestSeq and LargestSeq bound the sequence numbers in the table.
	SmallestSeq uint64 `json:"smallest_seq"`
	LargestSeq  uint64 `json:"largest_seq"`
}

// Overlaps reports whether the user-key range of t intersects [smallest, largest].
func (t TableInfo) Overlaps(smallest, largest []byte) bool {
	return bytes.Compare(t.Largest, smallest) >= 0 && bytes.Compare(t.Smallest, largest) <= 0
}

// New creates a new empty manifest with a fresh database id.
func New() *Manifest {
	return &Manifest{
		Version:     CurrentVersion,
		DBID:        uuid.New(),
		CreatedAt:   time.Now(),
		NextFileNum: 1,
	}
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.ColumnFamilies = slices.Clone(m.ColumnFamilies)
	c.Tables = make([]TableInfo, len(m.Tables))
	for i, t := range m.Tables {
		t.Smallest = slices.Clone(t.Smallest)
		t.Largest = slices.Clone(t.Largest)
		c.Tables[i] = t
	}
	return &c
}

// FileName returns the blob name of manifest version id.
func FileName(id uint64) string {
	return fmt.Sprintf("%s-%06d", ManifestFileName, id)
}

// ParseFileName extracts the version id from a manifest blob name.
func ParseFileName(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, ManifestFileName+"-")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Store manages the manifest blobs and atomic updates.
type Store struct {
	store blobstore.BlobStore
	mu    sync.Mutex
}

// NewStore creates a new manifest store.
func NewStore(store blobstore.BlobStore) *Store {
	return &Store{store: store}
}

// Load loads the current manifest.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	return s.LoadVersion(ctx, 0)
}

// LoadVersion loads a specific version ID. 0 means latest.
func (s *Store) LoadVersion(ctx context.Context, versionID uint64) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := FileName(versionID)
	if versionID == 0 {
		content, err := blobstore.ReadAll(ctx, s.store, CurrentFileName)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		name = strings.TrimSpace(string(content))
	}

	data, err := blobstore.ReadAll(ctx, s.store, name)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", name, err)
	}
	m, err := ReadBinary(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", name, err)
	}
	return m, nil
}

// ListVersions returns the ids of all stored manifest versions, ascending.
func (s *Store) ListVersions(ctx context.Context) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.store.List(ctx, ManifestFileName+"-")
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, name := range names {
		if id, ok := ParseFileName(name); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Save writes m as the next version and points CURRENT at it.
// m.ID is incremented in place.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = CurrentVersion
	m.ID++
	m.CreatedAt = time.Now()

	var buf bytes.Buffer
	if err := m.WriteBinary(&buf); err != nil {
		return err
	}
	name := FileName(m.ID)
	if err := s.store.Put(ctx, name, buf.Bytes()); err != nil {
		return err
	}
	return s.store.Put(ctx, CurrentFileName, []byte(name))
}

// DeleteVersion deletes the manifest blob for the given version.
func (s *Store) DeleteVersion(ctx context.Context, versionID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(ctx, FileName(versionID))
}

// Prune deletes all versions older than current, keeping the newest keep
// of them for inspection.
func (s *Store) Prune(ctx context.Context, current uint64, keep int) error {
	ids, err := s.ListVersions(ctx)
	if err != nil {
		return err
	}
	var old []uint64
	for _, id := range ids {
		if id < current {
			old = append(old, id)
		}
	}
	if len(old) <= keep {
		return nil
	}
	for _, id := range old[:len(old)-keep] {
		if err := s.DeleteVersion(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
