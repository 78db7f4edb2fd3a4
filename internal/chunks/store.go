// Package chunks persists fetched records as numbered checkpoint files and
// merges them into a single snapshot per logical group.
package chunks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	chunkInfix    = "-chunk-"
	fileExtension = ".json"
	filePerm      = 0o644
	dirPerm       = 0o755
)

var (
	// ErrCheckpointIO wraps every filesystem failure while writing or removing files.
	ErrCheckpointIO = errors.New("chunks: checkpoint io failure")
	// ErrInvalidGroup rejects group keys that are unsafe as file name prefixes.
	ErrInvalidGroup = errors.New("chunks: invalid group key")
	// ErrEmptyChunk rejects writing a chunk without records.
	ErrEmptyChunk = errors.New("chunks: chunk has no records")
	// ErrNoChunks is returned when merging a group that has no chunk files.
	ErrNoChunks = errors.New("chunks: no chunks for group")
	// ErrCorruptChunk is returned when a chunk cannot be parsed; nothing is deleted.
	ErrCorruptChunk = errors.New("chunks: corrupt chunk")
	// ErrInvalidSnapshot is returned when a snapshot has neither accepted shape.
	ErrInvalidSnapshot = errors.New("chunks: invalid snapshot")

	groupPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// StoreConfig describes where chunk and snapshot files live.
type StoreConfig struct {
	Directory string
	Logger    *zap.Logger
}

// Store owns the chunk directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// ChunkFile is one chunk on disk.
type ChunkFile struct {
	Number int
	Path   string
}

// MergeResult summarizes a completed merge.
type MergeResult struct {
	SnapshotPath string
	Chunks       int
	Records      int
	Duplicates   int
}

// NewStore ensures the directory exists and returns a Store rooted at it.
func NewStore(cfg StoreConfig) (*Store, error) {
	dir := strings.TrimSpace(cfg.Directory)
	if dir == "" {
		return nil, fmt.Errorf("%w: directory is required", ErrCheckpointIO)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrCheckpointIO, dir, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, logger: logger}, nil
}

// ValidateGroup reports whether group is usable as a file name prefix. A group
// containing the chunk infix would name a snapshot that looks like another
// group's chunk.
func ValidateGroup(group string) error {
	if !groupPattern.MatchString(group) || strings.Contains(group, chunkInfix) {
		return fmt.Errorf("%w: %q", ErrInvalidGroup, group)
	}
	return nil
}

// ChunkPath returns the file path of a chunk.
func (s *Store) ChunkPath(group string, chunkNumber int) string {
	return filepath.Join(s.dir, group+chunkInfix+strconv.Itoa(chunkNumber)+fileExtension)
}

// SnapshotPath returns the file path of a group's snapshot.
func (s *Store) SnapshotPath(group string) string {
	return filepath.Join(s.dir, group+fileExtension)
}

// WriteChunk atomically writes records as chunk chunkNumber of group. Writing
// an existing chunk number replaces the file; a reader never sees a partial file.
func (s *Store) WriteChunk(group string, chunkNumber int, records []json.RawMessage) (string, error) {
	if err := ValidateGroup(group); err != nil {
		return "", err
	}
	if chunkNumber < 1 {
		return "", fmt.Errorf("chunks: chunk number must be at least 1, got %d", chunkNumber)
	}
	if len(records) == 0 {
		return "", ErrEmptyChunk
	}

	path := s.ChunkPath(group, chunkNumber)
	if err := writeJSONAtomic(path, records); err != nil {
		return "", err
	}
	s.logger.Info("chunk saved",
		zap.String("group", group),
		zap.Int("chunk", chunkNumber),
		zap.Int("records", len(records)),
		zap.String("path", path))
	return path, nil
}

// ListChunks returns the group's chunk files ordered by numeric chunk index.
func (s *Store) ListChunks(group string) ([]ChunkFile, error) {
	if err := ValidateGroup(group); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrCheckpointIO, s.dir, err)
	}

	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(group+chunkInfix) + `(\d+)` + regexp.QuoteMeta(fileExtension) + `$`)
	files := make([]ChunkFile, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		number, convErr := strconv.Atoi(match[1])
		if convErr != nil {
			continue
		}
		files = append(files, ChunkFile{Number: number, Path: filepath.Join(s.dir, entry.Name())})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Number < files[j].Number
	})
	return files, nil
}

// NextChunkNumber returns one past the highest chunk number present for group.
func (s *Store) NextChunkNumber(group string) (int, error) {
	files, err := s.ListChunks(group)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 1, nil
	}
	return files[len(files)-1].Number + 1, nil
}

// MergeGroup concatenates the group's chunks in numeric order, drops duplicate
// external ids (a later chunk's record replaces the earlier one in place),
// writes the snapshot and then deletes the chunks. If any chunk fails to
// parse nothing is written and nothing is deleted.
func (s *Store) MergeGroup(group string) (MergeResult, error) {
	files, err := s.ListChunks(group)
	if err != nil {
		return MergeResult{}, err
	}
	if len(files) == 0 {
		return MergeResult{}, fmt.Errorf("%w: %s", ErrNoChunks, group)
	}

	merged := make([]json.RawMessage, 0)
	positions := make(map[string]int)
	duplicates := 0
	for _, file := range files {
		records, readErr := readChunk(file.Path)
		if readErr != nil {
			return MergeResult{}, readErr
		}
		for index, record := range records {
			key, keyErr := recordKey(record)
			if keyErr != nil {
				return MergeResult{}, fmt.Errorf("%w: %s record %d: %v", ErrCorruptChunk, file.Path, index, keyErr)
			}
			if position, seen := positions[key]; seen {
				merged[position] = record
				duplicates++
				continue
			}
			positions[key] = len(merged)
			merged = append(merged, record)
		}
	}

	snapshotPath := s.SnapshotPath(group)
	if err := writeJSONAtomic(snapshotPath, merged); err != nil {
		return MergeResult{}, err
	}

	for _, file := range files {
		if err := os.Remove(file.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return MergeResult{}, fmt.Errorf("%w: remove %s: %v", ErrCheckpointIO, file.Path, err)
		}
	}

	result := MergeResult{
		SnapshotPath: snapshotPath,
		Chunks:       len(files),
		Records:      len(merged),
		Duplicates:   duplicates,
	}
	s.logger.Info("chunks merged",
		zap.String("group", group),
		zap.Int("chunks", result.Chunks),
		zap.Int("records", result.Records),
		zap.Int("duplicates", result.Duplicates),
		zap.String("snapshot", snapshotPath))
	return result, nil
}

// ReadSnapshot loads a snapshot written either as a JSON array or as {"data": [...]}.
func ReadSnapshot(path string) ([]json.RawMessage, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCheckpointIO, path, err)
	}
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidSnapshot, path)
	}

	switch trimmed[0] {
	case '[':
		var records []json.RawMessage
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSnapshot, path, err)
		}
		return records, nil
	case '{':
		var envelope struct {
			Data *[]json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSnapshot, path, err)
		}
		if envelope.Data == nil {
			return nil, fmt.Errorf("%w: %s has no data field", ErrInvalidSnapshot, path)
		}
		return *envelope.Data, nil
	default:
		return nil, fmt.Errorf("%w: %s is neither an array nor an object", ErrInvalidSnapshot, path)
	}
}

func readChunk(path string) ([]json.RawMessage, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCheckpointIO, path, err)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(content, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptChunk, path, err)
	}
	return records, nil
}

func recordKey(record json.RawMessage) (string, error) {
	var keyed struct {
		ExternalID string `json:"external_id"`
	}
	if err := json.Unmarshal(record, &keyed); err != nil {
		return "", err
	}
	if strings.TrimSpace(keyed.ExternalID) == "" {
		return "", errors.New("missing external_id")
	}
	return keyed.ExternalID, nil
}

func writeJSONAtomic(path string, records []json.RawMessage) error {
	payload, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrCheckpointIO, path, err)
	}
	payload = append(payload, '\n')

	dir := filepath.Dir(path)
	temp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp in %s: %v", ErrCheckpointIO, dir, err)
	}
	tempPath := temp.Name()
	cleanup := func() {
		_ = os.Remove(tempPath)
	}

	if _, err := temp.Write(payload); err != nil {
		_ = temp.Close()
		cleanup()
		return fmt.Errorf("%w: write %s: %v", ErrCheckpointIO, tempPath, err)
	}
	if err := temp.Sync(); err != nil {
		_ = temp.Close()
		cleanup()
		return fmt.Errorf("%w: sync %s: %v", ErrCheckpointIO, tempPath, err)
	}
	if err := temp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close %s: %v", ErrCheckpointIO, tempPath, err)
	}
	if err := os.Chmod(tempPath, filePerm); err != nil {
		cleanup()
		return fmt.Errorf("%w: chmod %s: %v", ErrCheckpointIO, tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		cleanup()
		return fmt.Errorf("%w: rename %s: %v", ErrCheckpointIO, path, err)
	}
	return nil
}
