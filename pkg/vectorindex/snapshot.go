package vectorindex

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIndexNotFound is returned when no snapshot has been built yet.
	ErrIndexNotFound = errors.New("vectorindex: index not found")

	// ErrMalformedSnapshot is returned when a snapshot cannot be decoded or
	// its index and text store disagree.
	ErrMalformedSnapshot = errors.New("vectorindex: malformed snapshot")
)

// formatVersion is bumped whenever the gob layout of indexFile changes.
const formatVersion = 2

// Meta is the metadata persisted next to an index. Texts[i] is the chunk
// whose embedding is row i.
type Meta struct {
	Texts     []string
	ModelName string
	Dimension int
	BuildID   string
	CreatedAt time.Time
}

// Validate reports ErrDimensionMismatch when the snapshot was built with an
// encoder whose dimension differs from dimension.
func (m Meta) Validate(dimension int) error {
	if m.Dimension != dimension {
		return fmt.Errorf("%w: snapshot %s has dimension %d (model %q), encoder produces %d",
			ErrDimensionMismatch, m.BuildID, m.Dimension, m.ModelName, dimension)
	}
	return nil
}

// Snapshot pairs an index with its metadata.
type Snapshot struct {
	Index *Index
	Meta  Meta
}

// NewSnapshot stamps a freshly built index with a new build ID and creation
// time. It fails with ErrMalformedSnapshot when texts and rows disagree.
func NewSnapshot(idx *Index, texts []string, modelName string) (*Snapshot, error) {
	s := &Snapshot{
		Index: idx,
		Meta: Meta{
			Texts:     texts,
			ModelName: modelName,
			Dimension: idx.Dimension(),
			BuildID:   uuid.NewString(),
			CreatedAt: time.Now().UTC(),
		},
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return s, nil
}

// Text returns the chunk stored at ordinal i and whether i is in range.
func (s *Snapshot) Text(i int) (string, bool) {
	if i < 0 || i >= len(s.Meta.Texts) {
		return "", false
	}
	return s.Meta.Texts[i], true
}

func (s *Snapshot) check() error {
	if s.Index == nil {
		return fmt.Errorf("%w: no index", ErrMalformedSnapshot)
	}
	if n := s.Index.Len(); len(s.Meta.Texts) != n {
		return fmt.Errorf("%w: %d texts for %d vectors", ErrMalformedSnapshot, len(s.Meta.Texts), n)
	}
	if s.Meta.Dimension != s.Index.Dimension() {
		return fmt.Errorf("%w: metadata dimension %d, index dimension %d",
			ErrMalformedSnapshot, s.Meta.Dimension, s.Index.Dimension())
	}
	return nil
}

// Store persists and restores snapshots.
type Store interface {
	// Save replaces any existing snapshot.
	Save(ctx context.Context, s *Snapshot) error

	// Load returns the current snapshot, ErrIndexNotFound when there is none,
	// or ErrMalformedSnapshot when it is unreadable.
	Load(ctx context.Context) (*Snapshot, error)
}

// indexFile is the gob layout of the index file.
type indexFile struct {
	Version   int
	BuildID   string
	Dimension int
	Count     int
	Data      []float32
}

// Save writes idx and meta to indexPath and metaPath. Both files are written
// to ".tmp" siblings first and then renamed, so readers never observe a
// half-written file. The index file carries meta.BuildID so Load can tell
// when the two files come from different builds.
func Save(indexPath, metaPath string, idx *Index, meta Meta) error {
	s := &Snapshot{Index: idx, Meta: meta}
	if err := s.check(); err != nil {
		return fmt.Errorf("vectorindex: save: %w", err)
	}
	for _, p := range []string{indexPath, metaPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("vectorindex: save: %w", err)
		}
	}

	idxTmp, metaTmp := indexPath+".tmp", metaPath+".tmp"
	file := indexFile{Version: formatVersion, BuildID: meta.BuildID, Dimension: idx.dim, Count: idx.n, Data: idx.data}
	if err := writeGob(idxTmp, file); err != nil {
		return fmt.Errorf("vectorindex: save index: %w", err)
	}
	if err := writeGob(metaTmp, meta); err != nil {
		_ = os.Remove(idxTmp)
		return fmt.Errorf("vectorindex: save meta: %w", err)
	}
	if err := os.Rename(idxTmp, indexPath); err != nil {
		_ = os.Remove(idxTmp)
		_ = os.Remove(metaTmp)
		return fmt.Errorf("vectorindex: save index: %w", err)
	}
	if err := os.Rename(metaTmp, metaPath); err != nil {
		_ = os.Remove(metaTmp)
		return fmt.Errorf("vectorindex: save meta: %w", err)
	}
	return nil
}

// Load reads a snapshot written by Save. An index and metadata file from
// different builds are rejected with ErrMalformedSnapshot.
func Load(indexPath, metaPath string) (*Index, Meta, error) {
	var file indexFile
	if err := readGob(indexPath, &file); err != nil {
		return nil, Meta{}, fmt.Errorf("vectorindex: load index: %w", err)
	}
	var meta Meta
	if err := readGob(metaPath, &meta); err != nil {
		return nil, Meta{}, fmt.Errorf("vectorindex: load meta: %w", err)
	}

	switch {
	case file.Version != formatVersion:
		return nil, Meta{}, fmt.Errorf("%w: unsupported format version %d", ErrMalformedSnapshot, file.Version)
	case file.Dimension <= 0 || file.Count <= 0:
		return nil, Meta{}, fmt.Errorf("%w: %d vectors of dimension %d", ErrMalformedSnapshot, file.Count, file.Dimension)
	case len(file.Data) != file.Dimension*file.Count:
		return nil, Meta{}, fmt.Errorf("%w: %d floats for %dx%d", ErrMalformedSnapshot, len(file.Data), file.Count, file.Dimension)
	case file.BuildID != meta.BuildID:
		return nil, Meta{}, fmt.Errorf("%w: index is from build %q, metadata from build %q",
			ErrMalformedSnapshot, file.BuildID, meta.BuildID)
	}

	idx := &Index{dim: file.Dimension, n: file.Count, data: file.Data}
	s := &Snapshot{Index: idx, Meta: meta}
	if err := s.check(); err != nil {
		return nil, Meta{}, err
	}
	return idx, meta, nil
}

func writeGob(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

func readGob(path string, v any) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, path)
	}
	if err != nil {
		return err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedSnapshot, path, err)
	}
	return nil
}

// FileStore keeps snapshots as an index file and a metadata file on the local
// filesystem.
type FileStore struct {
	IndexPath string
	MetaPath  string
}

var _ Store = (*FileStore)(nil)

// Save implements Store.
func (st *FileStore) Save(ctx context.Context, s *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return Save(st.IndexPath, st.MetaPath, s.Index, s.Meta)
}

// Load implements Store.
func (st *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx, meta, err := Load(st.IndexPath, st.MetaPath)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Index: idx, Meta: meta}, nil
}
