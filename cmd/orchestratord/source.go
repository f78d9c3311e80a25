// Copyright 2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

// Source fetch helpers: cloning an app's repository, or a Hugging Face
// Hub repository (itself a git+lfs remote), via the system git binary.
// No git-clone library appears anywhere in this module's dependency
// surface, so this follows internal/shellrun/venv.go's own precedent of
// shelling out to an external tool with os/exec rather than fabricating a
// dependency that was never part of the stack.

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// cloneRepo clones url into dest at depth 1, optionally checking out
// revision afterward. dest's parent is created if missing.
func cloneRepo(ctx context.Context, url, dest, revision string) *apperrors.Error {
	if errGo := os.MkdirAll(filepath.Dir(dest), 0o755); errGo != nil {
		return apperrors.Wrap(apperrors.KindCloneFailed, errGo).WithDetail(dest)
	}

	// #nosec G204 -- url/dest originate from an operator-supplied app
	// descriptor or script, the same trust boundary venv.go's python3 exec
	// already crosses.
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", url, dest)
	if out, errGo := cmd.CombinedOutput(); errGo != nil {
		return apperrors.Wrap(apperrors.KindCloneFailed, errGo).WithDetail(string(out))
	}

	if revision == "" {
		return nil
	}
	cmd = exec.CommandContext(ctx, "git", "-C", dest, "checkout", revision)
	if out, errGo := cmd.CombinedOutput(); errGo != nil {
		return apperrors.Wrap(apperrors.KindCloneFailed, errGo).WithDetail(string(out))
	}
	return nil
}

// hfRepoURL builds the clone URL for a Hugging Face Hub repo, applying the
// path prefix datasets/spaces use over plain models.
func hfRepoURL(repoType, repo string) string {
	switch repoType {
	case "dataset":
		return "https://huggingface.co/datasets/" + repo
	case "space":
		return "https://huggingface.co/spaces/" + repo
	default:
		return "https://huggingface.co/" + repo
	}
}

// which resolves cmd to an absolute path via PATH, or "" if absent,
// backing the Variable Resolver's "{{which('cmd')}}" form.
func which(cmd string) string {
	p, errGo := exec.LookPath(cmd)
	if errGo != nil {
		return ""
	}
	return p
}
