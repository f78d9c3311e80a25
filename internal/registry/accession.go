package registry

import (
	"github.com/karlmutch/go-shortid"

	"github.com/go-stack/stack"
	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// NewAccessionID mints a short, URL-safe identifier used to tag a single
// install/start/stop invocation for log correlation and event grouping,
// supplementing the app id (which names the app, not a particular run of
// its lifecycle). Grounded directly on the teacher's own accession-id
// convention (internal/runner/objectstore.go, pythonenvcache.go), the same
// library and call already used throughout the teacher for exactly this
// per-operation tagging purpose.
func NewAccessionID() (string, *apperrors.Error) {
	id, errGo := shortid.Generate()
	if errGo != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return id, nil
}
