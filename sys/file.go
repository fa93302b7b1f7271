// Package sys provides the small filesystem abstraction the buffer is built
// on, along with advisory file locking for exclusive buffer ownership.
package sys

import (
	"io"
	"os"
)

// FileHandle is the subset of *os.File operations the buffer needs from an
// open file.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

// Filesystem abstracts the filesystem operations used by the buffer so tests
// can substitute failure-injecting implementations.
type Filesystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error)
	Remove(name string) error
	ReadDir(name string) ([]os.DirEntry, error)
	MkdirAll(name string, perm os.FileMode) error
	Stat(name string) (os.FileInfo, error)
}

// OSFilesystem is the Filesystem implementation backed by the real
// filesystem.
type OSFilesystem struct{}

var _ Filesystem = OSFilesystem{}

func (OSFilesystem) OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error) {
	return os.OpenFile(name, flag, perm)
}

func (OSFilesystem) Remove(name string) error {
	return os.Remove(name)
}

func (OSFilesystem) ReadDir(name string) ([]os.DirEntry, error) {
	return os.ReadDir(name)
}

func (OSFilesystem) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(name, perm)
}

func (OSFilesystem) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}
