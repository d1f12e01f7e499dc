package local

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cochaviz/tib/internal/build"
)

// LocalBuildRecordRepository persists build records in JSON files under
// BaseDir.
type LocalBuildRecordRepository struct {
	BaseDir string
}

var _ build.BuildRecordRepository = (*LocalBuildRecordRepository)(nil)

// Save writes the record to disk using its ID as the filename.
func (rep *LocalBuildRecordRepository) Save(record build.BuildRecord) error {
	if rep.BaseDir == "" {
		return errors.New("base directory is not configured")
	}
	if record.ID == "" {
		return errors.New("build id is required")
	}

	if err := os.MkdirAll(rep.BaseDir, 0o755); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(rep.BaseDir, record.ID+".json")
	return os.WriteFile(path, payload, 0o644)
}

// Get returns the record with the provided ID, or nil when it does not exist.
func (rep *LocalBuildRecordRepository) Get(buildID string) (*build.BuildRecord, error) {
	if buildID == "" {
		return nil, errors.New("build id is required")
	}
	return rep.loadRecord(filepath.Join(rep.BaseDir, buildID+".json"))
}

// List returns all records, newest first.
func (rep *LocalBuildRecordRepository) List() ([]build.BuildRecord, error) {
	entries, err := os.ReadDir(rep.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var records []build.BuildRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		record, err := rep.loadRecord(filepath.Join(rep.BaseDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if record == nil {
			continue
		}
		records = append(records, *record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}

// LatestForBoard returns the newest record of the given board.
func (rep *LocalBuildRecordRepository) LatestForBoard(boardID string) (*build.BuildRecord, error) {
	records, err := rep.List()
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		if record.Board == boardID {
			clone := record
			return &clone, nil
		}
	}
	return nil, nil
}

func (rep *LocalBuildRecordRepository) loadRecord(path string) (*build.BuildRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var record build.BuildRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
