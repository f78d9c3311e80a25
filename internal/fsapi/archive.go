package fsapi

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archiver/v3"

	"github.com/go-stack/stack"
	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// Extract unpacks the archive at base/archiveLogical into
// base/destLogical, generalizing internal/runner/tar.go's wrapping of
// mholt/archiver/v3 from ".tar.gz job artifacts" to any of the formats
// archiver recognizes by extension (.zip, .tar, .tar.gz, .tgz). Every
// member's resolved destination path is checked against the install root
// before being written, satisfying spec.md §3's path-escape invariant
// even when an archive entry itself contains "../" components.
func (a *API) Extract(base, archiveLogical, destLogical string) *apperrors.Error {
	archivePath, err := a.resolve(base, archiveLogical)
	if err != nil {
		return err
	}
	destRoot, err := a.resolve(base, destLogical)
	if err != nil {
		return err
	}
	if errGo := os.MkdirAll(destRoot, 0o755); errGo != nil {
		return apperrors.Wrap(apperrors.KindArchiveInvalid, errGo).With("stack", stack.Trace().TrimRuntime())
	}

	iface, errGo := archiver.ByExtension(archivePath)
	if errGo != nil {
		return apperrors.Wrap(apperrors.KindArchiveInvalid, errGo).With("path", archivePath).With("stack", stack.Trace().TrimRuntime())
	}
	unarchiver, ok := iface.(archiver.Unarchiver)
	if !ok {
		return apperrors.New(apperrors.KindArchiveInvalid, "not an archive format").With("path", archivePath)
	}

	if walker, ok := iface.(archiver.Walker); ok {
		if werr := walker.Walk(archivePath, func(f archiver.File) error {
			if f.Name() == "" {
				return nil
			}
			return checkMemberPath(destRoot, f.Name(), a.mapper, a.appID)
		}); werr != nil {
			return apperrors.Wrap(apperrors.KindPathEscape, werr).With("path", archivePath).With("stack", stack.Trace().TrimRuntime())
		}
	}

	if errGo := unarchiver.Unarchive(archivePath, destRoot); errGo != nil {
		return apperrors.Wrap(apperrors.KindArchiveInvalid, errGo).With("path", archivePath).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

func checkMemberPath(destRoot, memberName string, mapper interface {
	CheckUnderRoot(resolved, appID string) *apperrors.Error
}, appID string) error {
	if strings.Contains(memberName, "..") {
		return apperrors.New(apperrors.KindPathEscape, "archive member escapes destination").WithDetail(memberName)
	}
	resolved := filepath.Join(destRoot, memberName)
	if err := mapper.CheckUnderRoot(resolved, appID); err != nil {
		return err
	}
	return nil
}
