// Package fs provides a key-value source backed by a YAML file.
//
// The file lists entries of key, optional label and value. Version tags are
// derived from the content, so polling the file detects edits made by any
// writer. Put and Delete rewrite the file atomically while holding an
// exclusive lock on a sibling ".lock" file.
package fs

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/yacchi/kvmirror/source"
	"github.com/yacchi/kvmirror/types"
)

// TypeFS is the source type of a file source.
const TypeFS types.SourceType = "fs"

type lockFile interface {
	Close() error
	Fd() uintptr
}

type tempFile interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
	Name() string
}

var (
	userHomeDir  = os.UserHomeDir
	osReadFile   = os.ReadFile
	osMkdirAll   = os.MkdirAll
	osChmod      = os.Chmod
	osRename     = os.Rename
	osRemove     = os.Remove
	fileLockFunc = fileLock

	openFile = func(name string, flag int, perm os.FileMode) (lockFile, error) {
		return os.OpenFile(name, flag, perm)
	}
	createTemp = func(dir, pattern string) (tempFile, error) {
		return os.CreateTemp(dir, pattern)
	}
)

// fileLock acquires an exclusive lock on fd and returns the release function.
// When the filesystem cannot lock, it returns a no-op release and no error.
func fileLock(fd int) (unlock func(), err error) {
	if err := flockExclusive(fd); err != nil {
		if isLockNotSupportedError(err) {
			return func() {}, nil
		}
		return nil, err
	}
	return func() { flockUnlock(fd) }, nil
}

// Default permission modes.
const (
	DefaultFileMode = 0644
	DefaultDirMode  = 0755
)

// Source reads key-values from a YAML file.
// A missing file is an empty store.
type Source struct {
	path     string
	fileMode os.FileMode
	dirMode  os.FileMode
}

// Ensure Source implements the source.Source interface.
var _ source.Source = (*Source)(nil)

// Option configures a Source.
type Option func(*Source)

// WithFileMode sets the file permission mode used when writing.
// Default is 0644.
func WithFileMode(mode os.FileMode) Option {
	return func(s *Source) {
		s.fileMode = mode
	}
}

// WithDirMode sets the permission mode of created parent directories.
// Default is 0755.
func WithDirMode(mode os.FileMode) Option {
	return func(s *Source) {
		s.dirMode = mode
	}
}

// New creates a source backed by the file at path.
// Tilde (~) expansion is supported.
//
// Example:
//
//	src := fs.New("~/.config/app/settings.yaml")
//	src := fs.New("settings.yaml", fs.WithFileMode(0600))
func New(path string, opts ...Option) *Source {
	s := &Source{
		path:     path,
		fileMode: DefaultFileMode,
		dirMode:  DefaultDirMode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Type returns the source type identifier.
func (s *Source) Type() types.SourceType {
	return TypeFS
}

// Path returns the configured file path.
func (s *Source) Path() string {
	return s.path
}

// FetchOne implements the source.Source interface.
func (s *Source) FetchOne(ctx context.Context, key string, label types.Label) (*types.KeyValue, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	i := doc.index(key, label)
	if i < 0 {
		return nil, nil
	}
	kv := doc.Entries[i].keyValue()
	return &kv, nil
}

// FetchMany implements the source.Source interface.
// The file is read once when iteration starts.
func (s *Source) FetchMany(ctx context.Context, filter source.Filter) iter.Seq2[types.KeyValue, error] {
	return func(yield func(types.KeyValue, error) bool) {
		doc, err := s.read(ctx)
		if err != nil {
			yield(types.KeyValue{}, err)
			return
		}
		omitValue := !filter.WantFields().Has(source.FieldValue)
		for _, e := range doc.Entries {
			if !strings.HasPrefix(e.Key, filter.KeyPrefix) || types.LabelFromPtr(e.Label) != filter.Label {
				continue
			}
			kv := e.keyValue()
			if omitValue {
				kv.Value = nil
			}
			if !yield(kv, nil) {
				return
			}
		}
	}
}

// Put stores value under key and label.
func (s *Source) Put(ctx context.Context, key string, label types.Label, value string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", source.ErrInvalidArgument)
	}
	return s.update(ctx, func(doc *fileDocument) bool {
		entry := fileEntry{Key: key, Label: label.Ptr(), Value: &value}
		if i := doc.index(key, label); i >= 0 {
			doc.Entries[i] = entry
		} else {
			doc.Entries = append(doc.Entries, entry)
		}
		return true
	})
}

// Delete removes key under label. Deleting a missing key is not an error.
func (s *Source) Delete(ctx context.Context, key string, label types.Label) error {
	return s.update(ctx, func(doc *fileDocument) bool {
		i := doc.index(key, label)
		if i < 0 {
			return false
		}
		doc.Entries = append(doc.Entries[:i], doc.Entries[i+1:]...)
		return true
	})
}

func (s *Source) read(ctx context.Context) (*fileDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := expandTilde(s.path)
	if err != nil {
		return nil, err
	}

	data, err := osReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &fileDocument{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file %q: %w", s.path, err)
	}
	doc, err := parseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse file %q: %w", s.path, err)
	}
	return doc, nil
}

// update applies fn to the file contents under an exclusive lock and writes
// the result atomically via a temporary file and rename. The file is left
// untouched when fn reports no change.
func (s *Source) update(ctx context.Context, fn func(doc *fileDocument) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	targetPath, err := expandTilde(s.path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(targetPath)
	if err := osMkdirAll(dir, s.dirMode); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", dir, err)
	}

	// The target is replaced by rename, so writers lock a sibling file
	// whose inode stays stable.
	lockPath := targetPath + ".lock"
	lf, err := openFile(lockPath, os.O_RDWR|os.O_CREATE, s.fileMode)
	if err != nil {
		return fmt.Errorf("failed to open lock file %q: %w", lockPath, err)
	}
	defer lf.Close()

	unlock, err := fileLockFunc(int(lf.Fd()))
	if err != nil {
		return fmt.Errorf("failed to acquire lock on %q: %w", lockPath, err)
	}
	defer unlock()

	current, err := osReadFile(targetPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read current file %q: %w", targetPath, err)
	}

	doc, err := parseDocument(current)
	if err != nil {
		return fmt.Errorf("failed to parse file %q: %w", targetPath, err)
	}
	if !fn(doc) {
		return nil
	}
	data, err := doc.marshal()
	if err != nil {
		return fmt.Errorf("failed to encode file %q: %w", targetPath, err)
	}
	return s.writeAtomic(dir, targetPath, data)
}

func (s *Source) writeAtomic(dir, targetPath string, data []byte) error {
	tmp, err := createTemp(dir, ".kvmirror-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			osRemove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write to temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := osChmod(tmpPath, s.fileMode); err != nil {
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	// The lock is still held by update.
	if err := osRename(tmpPath, targetPath); err != nil {
		return fmt.Errorf("failed to rename temporary file to %q: %w", targetPath, err)
	}

	success = true
	return nil
}

// expandTilde expands a leading "~" or "~/" to the home directory.
func expandTilde(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	homeDir, err := userHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand home directory: %w", err)
	}
	if len(path) == 1 {
		return homeDir, nil
	}
	if path[1] == '/' || path[1] == filepath.Separator {
		return filepath.Join(homeDir, path[2:]), nil
	}
	// "~user" is not expanded.
	return path, nil
}
