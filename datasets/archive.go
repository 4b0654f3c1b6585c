package datasets

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// Archive key names. An archive is a gob-encoded bundle of named arrays.
const (
	KeyEMS      = "ems"
	KeyMeta     = "meta"
	KeyFlow     = "flow"
	KeyNeighbor = "neighbor_adj"
	KeyTrans    = "trans_adj"
	KeySemantic = "semantic_adj"
)

// archiveVersion is incremented when the on-disk archive format changes.
const archiveVersion = 1

type archiveFormat struct {
	Version int
	Arrays  map[string]*Dense
}

// LoadOptions selects what to pull out of an archive.
//
// MobilityLevel: 0 = no mobility info, 1 = groups aggregated into one,
// 2 = profiled groups (working-age, senior). StaticLevel: 0-3 selects
// how many static adjacency tiers to load, in neighbor, transition,
// semantic order. Invalid ordinals are rejected before any data is read.
type LoadOptions struct {
	MobilityLevel int
	StaticLevel   int
	Normalize     bool
}

// Bundle is a loaded dataset: the (optionally standardized) demand
// series, its temporal metadata, the optional flow cycle, and the
// selected static adjacency tiers.
type Bundle struct {
	EMS       *Dense   // [time, N, C]
	Meta      *Dense   // [time, N, meta]
	Flow      *Dense   // [cycle, N, N, groups], nil at mobility level 0
	StaticAdj []*Dense // up to three [N, N] tiers
	Norm      NormState
}

// WriteArchive writes the named arrays as a gob archive, creating parent
// directories as needed. The write is atomic: a temp file in the target
// directory is renamed into place.
func WriteArchive(path string, arrays map[string]*Dense) error {
	if path == "" {
		return fmt.Errorf("empty archive path")
	}
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp archive file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	enc := gob.NewEncoder(tmpFile)
	if err := enc.Encode(&archiveFormat{Version: archiveVersion, Arrays: arrays}); err != nil {
		return fmt.Errorf("encode archive to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp archive file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp archive file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp archive to target: %w", err)
	}
	return nil
}

func readArchive(path string) (map[string]*Dense, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	defer fh.Close()

	dec := gob.NewDecoder(fh)
	var af archiveFormat
	if err := dec.Decode(&af); err != nil {
		return nil, fmt.Errorf("decode archive %s: %w", path, err)
	}
	if af.Version != archiveVersion {
		return nil, fmt.Errorf("archive version mismatch: archive=%d expected=%d", af.Version, archiveVersion)
	}
	return af.Arrays, nil
}

// LoadBundle reads an archive and assembles the dataset according to the
// options. Configuration ordinals are validated before the file is
// touched so a typo fails immediately instead of loading partial data.
func LoadBundle(path string, opts LoadOptions) (*Bundle, error) {
	if opts.MobilityLevel < 0 || opts.MobilityLevel > 2 {
		return nil, fmt.Errorf("invalid dynamic-mobility level %d (want 0-2)", opts.MobilityLevel)
	}
	if opts.StaticLevel < 0 || opts.StaticLevel > 3 {
		return nil, fmt.Errorf("invalid static-adjacency level %d (want 0-3)", opts.StaticLevel)
	}

	arrays, err := readArchive(path)
	if err != nil {
		return nil, err
	}

	ems, ok := arrays[KeyEMS]
	if !ok {
		return nil, fmt.Errorf("archive %s has no %q array", path, KeyEMS)
	}
	meta, ok := arrays[KeyMeta]
	if !ok {
		return nil, fmt.Errorf("archive %s has no %q array", path, KeyMeta)
	}

	b := &Bundle{Meta: meta}
	if opts.Normalize {
		b.EMS, b.Norm = Standardize(ems)
	} else {
		b.EMS = ems
	}

	switch opts.MobilityLevel {
	case 0:
		// no mobility info
	case 1:
		flow, ok := arrays[KeyFlow]
		if !ok {
			return nil, fmt.Errorf("mobility level 1 requires a %q array", KeyFlow)
		}
		b.Flow, err = sumGroups(flow)
		if err != nil {
			return nil, err
		}
	case 2:
		flow, ok := arrays[KeyFlow]
		if !ok {
			return nil, fmt.Errorf("mobility level 2 requires a %q array", KeyFlow)
		}
		b.Flow, err = takeGroups(flow, 2)
		if err != nil {
			return nil, err
		}
	}

	for _, key := range []string{KeyNeighbor, KeyTrans, KeySemantic}[:opts.StaticLevel] {
		adj, ok := arrays[key]
		if !ok {
			return nil, fmt.Errorf("static-adjacency level %d requires a %q array", opts.StaticLevel, key)
		}
		b.StaticAdj = append(b.StaticAdj, adj)
	}

	return b, nil
}

// sumGroups collapses the mobility-group axis into a single aggregated
// group, keeping the axis so downstream shapes stay rank 4.
func sumGroups(flow *Dense) (*Dense, error) {
	if flow.Rank() != 4 {
		return nil, fmt.Errorf("flow must have shape [cycle, N, N, groups], got %v", flow.Shape)
	}
	groups := flow.Shape[3]
	shape := append([]int(nil), flow.Shape...)
	shape[3] = 1
	out := &Dense{Data: make([]float32, flow.Size()/groups), Shape: shape}
	for i := range out.Data {
		var sum float32
		for g := 0; g < groups; g++ {
			sum += flow.Data[i*groups+g]
		}
		out.Data[i] = sum
	}
	return out, nil
}

// takeGroups keeps the first n mobility groups.
func takeGroups(flow *Dense, n int) (*Dense, error) {
	if flow.Rank() != 4 {
		return nil, fmt.Errorf("flow must have shape [cycle, N, N, groups], got %v", flow.Shape)
	}
	groups := flow.Shape[3]
	if groups < n {
		return nil, fmt.Errorf("flow has %d mobility groups, need %d", groups, n)
	}
	if groups == n {
		return flow, nil
	}
	shape := append([]int(nil), flow.Shape...)
	shape[3] = n
	out := &Dense{Data: make([]float32, flow.Size()/groups*n), Shape: shape}
	cells := flow.Size() / groups
	for i := 0; i < cells; i++ {
		copy(out.Data[i*n:(i+1)*n], flow.Data[i*groups:i*groups+n])
	}
	return out, nil
}
