package platform

import (
	"path/filepath"
	"strings"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// Mapper translates logical script paths into host-absolute paths rooted
// under a PlatformProfile, and enforces the "never escape the declared
// root" invariant spec.md §3 requires of every path the File System API
// produces. No third-party path library exists anywhere in the retrieved
// example pack for this concern; filepath from the standard library is the
// only tool any of the examples use for path joining/cleaning, so that is
// what this file uses too (see DESIGN.md).
type Mapper struct {
	profile *PlatformProfile
}

// NewMapper builds a Mapper bound to an immutable PlatformProfile.
func NewMapper(profile *PlatformProfile) *Mapper {
	return &Mapper{profile: profile}
}

// Resolve expands a logical path (which may use "~/", "{{cwd}}"-relative
// notation already substituted by the caller, or a legacy Windows-style
// absolute path left over from a desktop-era script) against a base
// directory (typically an app's install root) and returns a host-absolute,
// cleaned path. It does not itself enforce the escape check — callers that
// need the invariant call CheckUnderRoot with the result.
func (m *Mapper) Resolve(base, logical string) string {
	logical = normalizeLegacyPath(logical)

	if logical == "" {
		return filepath.Clean(base)
	}
	if strings.HasPrefix(logical, "~/") {
		return filepath.Join(m.profile.PersistenceDirOf(), logical[2:])
	}
	if filepath.IsAbs(logical) {
		return filepath.Clean(logical)
	}
	return filepath.Clean(filepath.Join(base, logical))
}

// normalizeLegacyPath rewrites the Windows-style absolute paths that some
// pre-existing desktop scripts embed (e.g. "C:\Users\me\app") into a
// relative path fragment so Resolve can re-root it under the current
// platform instead of failing outright -- a faithful but headless-friendly
// reading of scripts authored for the desktop runtime this system replaces.
func normalizeLegacyPath(p string) string {
	if len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/') {
		rest := strings.ReplaceAll(p[3:], "\\", "/")
		return rest
	}
	return strings.ReplaceAll(p, "\\", "/")
}

// AppsRoot returns <platformRoot>/apps, the parent of every app install root.
func (m *Mapper) AppsRoot() string { return filepath.Join(m.profile.RootDir(), "apps") }

// AppRoot returns <platformRoot>/apps/<appId>.
func (m *Mapper) AppRoot(appID string) string { return filepath.Join(m.AppsRoot(), appID) }

// VenvsRoot returns <platformRoot>/venvs.
func (m *Mapper) VenvsRoot() string { return filepath.Join(m.profile.RootDir(), "venvs") }

// VenvRoot returns <platformRoot>/venvs/<appId>.
func (m *Mapper) VenvRoot(appID string) string { return filepath.Join(m.VenvsRoot(), appID) }

// CacheRoot returns <platformRoot>/cache.
func (m *Mapper) CacheRoot() string { return filepath.Join(m.profile.RootDir(), "cache") }

// ModelsRoot returns <persistenceRoot>/drive/models, the shared large
// artifact store linked into per-app trees.
func (m *Mapper) ModelsRoot() string {
	return filepath.Join(m.profile.PersistenceDirOf(), "drive", "models")
}

// LogsRoot returns <platformRoot>/logs.
func (m *Mapper) LogsRoot() string { return filepath.Join(m.profile.RootDir(), "logs") }

// AppLogPath returns <platformRoot>/logs/<appId>.log.
func (m *Mapper) AppLogPath(appID string) string {
	return filepath.Join(m.LogsRoot(), appID+".log")
}

// RegistryPath returns <platformRoot>/registry.json.
func (m *Mapper) RegistryPath() string { return filepath.Join(m.profile.RootDir(), "registry.json") }

// CheckUnderRoot enforces spec.md §3's path invariant: every path the File
// System API produces for app A resolves under apps/A or under a declared
// shared-resource root for that app (the shared model directory). Any
// other destination fails with KindPathEscape.
func (m *Mapper) CheckUnderRoot(resolved, appID string) *apperrors.Error {
	appRoot := m.AppRoot(appID)
	sharedRoot := m.ModelsRoot()

	if isUnder(resolved, appRoot) || isUnder(resolved, sharedRoot) {
		return nil
	}
	return apperrors.New(apperrors.KindPathEscape, "path resolves outside the app install root or shared resource root").
		With("appId", appID).With("resolved", resolved).With("appRoot", appRoot).With("sharedRoot", sharedRoot)
}

func isUnder(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}
