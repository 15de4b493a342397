// Package fs abstracts the few filesystem calls checkpoint writing needs so
// tests can inject failures part way through a save.
//
//   - [LocalFS]: the os-backed implementation, exposed as [Default]
//   - [FaultyFS]: wraps another FileSystem and fails writes, syncs, closes or
//     renames on request
package fs

import (
	"io"
	"os"
)

// File is an open file being written or read.
type File interface {
	io.ReadWriteCloser
	Name() string
	Sync() error
}

// FileSystem abstracts file system operations for testability.
type FileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	CreateTemp(dir, pattern string) (File, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	Stat(name string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
	ReadFile(name string) ([]byte, error)
}

// LocalFS implements FileSystem using the local os package.
type LocalFS struct{}

func (LocalFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(name, flag, perm)
}

func (LocalFS) CreateTemp(dir, pattern string) (File, error) {
	return os.CreateTemp(dir, pattern)
}

func (LocalFS) Remove(name string) error                     { return os.Remove(name) }
func (LocalFS) Rename(oldpath, newpath string) error         { return os.Rename(oldpath, newpath) }
func (LocalFS) Stat(name string) (os.FileInfo, error)        { return os.Stat(name) }
func (LocalFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (LocalFS) ReadFile(name string) ([]byte, error)         { return os.ReadFile(name) }

// Default is the production file system.
var Default FileSystem = LocalFS{}
