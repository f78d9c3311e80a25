// Package fsapi implements the File System API: atomic writes, recursive
// directory operations, archive extraction, and resumable HTTP download,
// all rooted and escape-checked through a platform.Mapper. Grounded on
// internal/runner/io.go (teacher's own tiny file-io helpers),
// objectdownloader.go (resumable, coalesced downloads), and tar.go
// (archive extraction), generalized from "studio job artifacts" to
// "arbitrary app install-time file operations".
package fsapi

import (
	"os"
	"path/filepath"

	"github.com/otiai10/copy"

	"github.com/go-stack/stack"
	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
	"github.com/pinokio-cloud/orchestrator-core/internal/platform"
)

// API is the File System API bound to one app's install root, enforcing
// the path-escape invariant on every operation before touching disk.
type API struct {
	mapper *platform.Mapper
	appID  string
	cache  *DownloadCache
}

// New builds an API scoped to appID; every relative path a script supplies
// is resolved against base (typically the app's install root) and checked
// against the mapper's escape rule before use.
func New(mapper *platform.Mapper, appID string, cache *DownloadCache) *API {
	return &API{mapper: mapper, appID: appID, cache: cache}
}

func (a *API) resolve(base, logical string) (string, *apperrors.Error) {
	resolved := a.mapper.Resolve(base, logical)
	if err := a.mapper.CheckUnderRoot(resolved, a.appID); err != nil {
		return "", err
	}
	return resolved, nil
}

// Write atomically writes data to path: write to a sibling temp file, then
// rename, so a crash mid-write never leaves a truncated file where a
// script expects a complete one.
func (a *API) Write(base, logical, data string) *apperrors.Error {
	resolved, err := a.resolve(base, logical)
	if err != nil {
		return err
	}
	if errGo := os.MkdirAll(filepath.Dir(resolved), 0o755); errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("path", resolved).With("stack", stack.Trace().TrimRuntime())
	}

	tmp, errGo := os.CreateTemp(filepath.Dir(resolved), ".tmp-*")
	if errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("path", resolved).With("stack", stack.Trace().TrimRuntime())
	}
	tmpName := tmp.Name()
	if _, errGo := tmp.WriteString(data); errGo != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("path", resolved).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := tmp.Close(); errGo != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("path", resolved).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := os.Rename(tmpName, resolved); errGo != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("path", resolved).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Read returns the full text content at path.
func (a *API) Read(base, logical string) (string, *apperrors.Error) {
	resolved, err := a.resolve(base, logical)
	if err != nil {
		return "", err
	}
	data, errGo := os.ReadFile(filepath.Clean(resolved))
	if errGo != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, errGo).With("path", resolved).With("stack", stack.Trace().TrimRuntime())
	}
	return string(data), nil
}

// Copy recursively copies src to dst using the teacher's recursive-copy
// dependency (already a direct teacher dep for artifact staging).
func (a *API) Copy(base, srcLogical, dstLogical string) *apperrors.Error {
	src, err := a.resolve(base, srcLogical)
	if err != nil {
		return err
	}
	dst, err := a.resolve(base, dstLogical)
	if err != nil {
		return err
	}
	if errGo := copy.Copy(src, dst); errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("src", src).With("dst", dst).
			With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Move renames src to dst, falling back to copy+remove across filesystem
// boundaries (e.g. a bind-mounted shared model dir).
func (a *API) Move(base, srcLogical, dstLogical string) *apperrors.Error {
	src, err := a.resolve(base, srcLogical)
	if err != nil {
		return err
	}
	dst, err := a.resolve(base, dstLogical)
	if err != nil {
		return err
	}
	if errGo := os.Rename(src, dst); errGo == nil {
		return nil
	}
	if errGo := copy.Copy(src, dst); errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("src", src).With("dst", dst).
			With("stack", stack.Trace().TrimRuntime())
	}
	return a.Remove(base, srcLogical)
}

// Remove deletes path recursively if it is a directory.
func (a *API) Remove(base, logical string) *apperrors.Error {
	resolved, err := a.resolve(base, logical)
	if err != nil {
		return err
	}
	if errGo := os.RemoveAll(resolved); errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("path", resolved).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Exists reports whether path exists, without distinguishing file/dir.
func (a *API) Exists(base, logical string) (bool, *apperrors.Error) {
	resolved, err := a.resolve(base, logical)
	if err != nil {
		return false, err
	}
	_, errGo := os.Stat(resolved)
	if errGo == nil {
		return true, nil
	}
	if os.IsNotExist(errGo) {
		return false, nil
	}
	return false, apperrors.Wrap(apperrors.KindInternal, errGo).With("path", resolved).With("stack", stack.Trace().TrimRuntime())
}

// Mkdir creates path and any missing parents.
func (a *API) Mkdir(base, logical string) *apperrors.Error {
	resolved, err := a.resolve(base, logical)
	if err != nil {
		return err
	}
	if errGo := os.MkdirAll(resolved, 0o755); errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("path", resolved).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Readdir lists the immediate entries of path.
func (a *API) Readdir(base, logical string) ([]string, *apperrors.Error) {
	resolved, err := a.resolve(base, logical)
	if err != nil {
		return nil, err
	}
	entries, errGo := os.ReadDir(resolved)
	if errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, errGo).With("path", resolved).With("stack", stack.Trace().TrimRuntime())
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Rmdir removes an empty directory; use Remove for recursive removal.
func (a *API) Rmdir(base, logical string) *apperrors.Error {
	resolved, err := a.resolve(base, logical)
	if err != nil {
		return err
	}
	if errGo := os.Remove(resolved); errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("path", resolved).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Link creates a symbolic link at dst pointing at src, used to share the
// central model directory into an app's tree without copying large files.
// src and dst are each checked the same way: either may resolve under the
// app's own root or under the shared-resource root.
func (a *API) Link(base, srcLogical, dstLogical string) *apperrors.Error {
	src := a.mapper.Resolve(base, srcLogical)
	if err := a.mapper.CheckUnderRoot(src, a.appID); err != nil {
		return err
	}
	dst, err := a.resolve(base, dstLogical)
	if err != nil {
		return err
	}
	if errGo := os.MkdirAll(filepath.Dir(dst), 0o755); errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("path", dst).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := os.Symlink(src, dst); errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).With("src", src).With("dst", dst).
			With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}
