package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tsawler/go-promptel/device"
	"github.com/tsawler/go-promptel/internal/fs"
	"github.com/tsawler/go-promptel/tensor"
)

// Store writes and reads checkpoint files.
type Store struct {
	fs    fs.FileSystem
	codec Codec
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithFileSystem sets the file system used for reads and writes.
func WithFileSystem(fsys fs.FileSystem) StoreOption {
	return func(s *Store) {
		if fsys != nil {
			s.fs = fsys
		}
	}
}

// WithCodec sets the payload compression.
func WithCodec(c Codec) StoreOption {
	return func(s *Store) {
		s.codec = c
	}
}

// NewStore creates a Store on the local file system with zstd compression.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{fs: fs.Default, codec: CodecZstd}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Codec returns the configured compression.
func (s *Store) Codec() Codec { return s.codec }

// Save writes ck to path atomically. The blob goes to a temp file in the
// same directory which is synced and renamed over path, so a failed save
// leaves any previous checkpoint at path intact.
func (s *Store) Save(path string, ck *Checkpoint) (err error) {
	blob, err := Encode(ck, s.codec)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	f, err := s.fs.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = s.fs.Remove(tmp)
		}
	}()

	if _, err = f.Write(blob); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err = s.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish checkpoint: %w", err)
	}
	return nil
}

// Load reads and verifies the checkpoint at path and moves its tensors to dev.
func (s *Store) Load(path string, dev device.Device) (*Checkpoint, error) {
	blob, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	ck, err := Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := ck.To(dev); err != nil {
		return nil, err
	}
	return ck, nil
}

// Exists reports whether a checkpoint file is present at path.
func (s *Store) Exists(path string) (bool, error) {
	_, err := s.fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// To places every tensor in the checkpoint on dev.
func (ck *Checkpoint) To(dev device.Device) error {
	for _, group := range []map[string]*tensor.Tensor{ck.ModelState, ck.Optimizer.ExpAvg, ck.Optimizer.ExpAvgSq} {
		for name, t := range group {
			if err := t.To(dev); err != nil {
				return fmt.Errorf("failed to move %s to %s: %w", name, dev, err)
			}
		}
	}
	return nil
}
