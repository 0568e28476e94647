package external

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"foliobase/internal/types"
)

// Snapshot dump files are zstd-compressed JSON. The reconciler writes one
// after every fetch so a snapshot run can be replayed against the ledger
// without re-hitting the provider, and operators can diff what the provider
// reported on a given day.

// WriteSnapshotFile writes the snapshot to path, replacing any existing
// file. The write goes through a temp file and rename so a crash never
// leaves a truncated dump behind.
func WriteSnapshotFile(path string, snap *types.ProviderSnapshot) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("creating snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		tmp.Close()
		return fmt.Errorf("creating zstd encoder: %w", err)
	}

	if err := json.NewEncoder(enc).Encode(snap); err != nil {
		enc.Close()
		tmp.Close()
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing zstd encoder: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("installing snapshot file: %w", err)
	}
	return nil
}

// ReadSnapshotFile reads a snapshot dump written by WriteSnapshotFile.
func ReadSnapshotFile(path string) (*types.ProviderSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot file: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	var snap types.ProviderSnapshot
	if err := json.NewDecoder(dec).Decode(&snap); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("snapshot file is empty")
		}
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}
