package train

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// checkpointVersion is incremented when the on-disk checkpoint format
// changes.
const checkpointVersion = 1

// Checkpoint is the persisted best-model record: the epoch it was taken
// at and the model's flat parameter vector. One file per model name,
// overwritten on every improvement and once more at training's natural
// end.
type Checkpoint struct {
	Version int
	Model   string
	Epoch   int
	State   []float32
	SavedAt int64 // unix timestamp
}

// CheckpointPath returns the file a model's checkpoint lives at.
func CheckpointPath(dir, model string) string {
	return filepath.Join(dir, model+"_best_model.gob")
}

// SaveCheckpoint writes the record atomically: a temp file in the
// target directory is renamed into place, so a crash mid-write never
// corrupts an existing checkpoint.
func SaveCheckpoint(dir string, ck Checkpoint) error {
	if ck.Model == "" {
		return fmt.Errorf("checkpoint has no model name")
	}
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	path := CheckpointPath(dir, ck.Model)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	ck.Version = checkpointVersion
	enc := gob.NewEncoder(tmpFile)
	if err := enc.Encode(&ck); err != nil {
		return fmt.Errorf("encode checkpoint to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp checkpoint file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp checkpoint to target: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a model's checkpoint and validates its metadata.
func LoadCheckpoint(dir, model string) (Checkpoint, error) {
	path := CheckpointPath(dir, model)
	fh, err := os.Open(path)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	defer fh.Close()

	var ck Checkpoint
	dec := gob.NewDecoder(fh)
	if err := dec.Decode(&ck); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if ck.Version != checkpointVersion {
		return Checkpoint{}, fmt.Errorf("checkpoint version mismatch: file=%d expected=%d", ck.Version, checkpointVersion)
	}
	if ck.Model != model {
		return Checkpoint{}, fmt.Errorf("checkpoint model mismatch: file=%q expected=%q", ck.Model, model)
	}
	return ck, nil
}
