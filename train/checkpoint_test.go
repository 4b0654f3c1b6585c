package train

import (
	"os"
	"testing"
)

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ck := Checkpoint{
		Model:   "mlp",
		Epoch:   7,
		State:   []float32{1.5, -2.25, 0},
		SavedAt: 1700000000,
	}

	if err := SaveCheckpoint(dir, ck); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if _, err := os.Stat(CheckpointPath(dir, "mlp")); err != nil {
		t.Fatalf("checkpoint file missing: %v", err)
	}

	got, err := LoadCheckpoint(dir, "mlp")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if got.Epoch != 7 || got.SavedAt != 1700000000 {
		t.Fatalf("metadata mismatch: %+v", got)
	}
	if len(got.State) != 3 || got.State[1] != -2.25 {
		t.Fatalf("state mismatch: %v", got.State)
	}
}

func TestCheckpointOverwrite(t *testing.T) {
	dir := t.TempDir()
	for epoch := 1; epoch <= 3; epoch++ {
		ck := Checkpoint{Model: "mlp", Epoch: epoch, State: []float32{float32(epoch)}}
		if err := SaveCheckpoint(dir, ck); err != nil {
			t.Fatalf("SaveCheckpoint(epoch %d) failed: %v", epoch, err)
		}
	}
	got, err := LoadCheckpoint(dir, "mlp")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if got.Epoch != 3 {
		t.Fatalf("expected latest record, got epoch %d", got.Epoch)
	}
}

func TestCheckpointValidation(t *testing.T) {
	dir := t.TempDir()
	if err := SaveCheckpoint(dir, Checkpoint{State: []float32{1}}); err == nil {
		t.Fatalf("expected missing model name error")
	}
	if err := SaveCheckpoint(dir, Checkpoint{Model: "gru", State: []float32{1}}); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	// a record keyed under the wrong name must be rejected on load
	if err := os.Rename(CheckpointPath(dir, "gru"), CheckpointPath(dir, "mlp")); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if _, err := LoadCheckpoint(dir, "mlp"); err == nil {
		t.Fatalf("expected model name mismatch error")
	}

	if _, err := LoadCheckpoint(t.TempDir(), "gru"); err == nil {
		t.Fatalf("expected missing file error")
	}
}
