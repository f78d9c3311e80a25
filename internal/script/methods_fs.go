package script

import (
	"context"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// FsMethods adapts fsapi.API's concrete signature to the shape
// dispatchFs needs, so this package never imports fsapi directly — the
// wiring lives in cmd/orchestratord, keeping script free to unit test with
// a fake.
type FsMethods struct {
	Write    func(base, logical, data string) *apperrors.Error
	Read     func(base, logical string) (string, *apperrors.Error)
	Download func(ctx context.Context, base, logical, url string, extract bool, expectedSize int64) *apperrors.Error
	Copy     func(base, src, dst string) *apperrors.Error
	Move     func(base, src, dst string) *apperrors.Error
	Remove   func(base, logical string) *apperrors.Error
	Exists   func(base, logical string) (bool, *apperrors.Error)
	Mkdir    func(base, logical string) *apperrors.Error
	Readdir  func(base, logical string) ([]string, *apperrors.Error)
	Rmdir    func(base, logical string) *apperrors.Error
	Link     func(base, src, dst string) *apperrors.Error
}

type fsWriteParams struct {
	Path string `json:"path"`
	Data string `json:"data"`
}
type fsReadParams struct {
	Path string `json:"path"`
	Into string `json:"into,omitempty"`
}
type fsDownloadParams struct {
	Path         string `json:"path"`
	URL          string `json:"url"`
	Extract      bool   `json:"extract,omitempty"`
	ExpectedSize int64  `json:"expectedSize,omitempty"`
}
type fsTwoPathParams struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}
type fsOnePathParams struct {
	Path string `json:"path"`
	Into string `json:"into,omitempty"`
}

func dispatchFs(ctx context.Context, m FsMethods, f *Frame, step Step) (interface{}, *apperrors.Error) {
	switch step.Method {
	case MethodFsWrite:
		var p fsWriteParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		return nil, m.Write(f.Cwd, p.Path, p.Data)

	case MethodFsRead:
		var p fsReadParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		out, err := m.Read(f.Cwd, p.Path)
		if err != nil {
			return nil, err
		}
		if p.Into != "" {
			f.Locals[p.Into] = out
		}
		return out, nil

	case MethodFsDownload:
		var p fsDownloadParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		return nil, m.Download(ctx, f.Cwd, p.Path, p.URL, p.Extract, p.ExpectedSize)

	case MethodFsCopy:
		var p fsTwoPathParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		return nil, m.Copy(f.Cwd, p.Src, p.Dst)

	case MethodFsMove:
		var p fsTwoPathParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		return nil, m.Move(f.Cwd, p.Src, p.Dst)

	case MethodFsRemove:
		var p fsOnePathParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		return nil, m.Remove(f.Cwd, p.Path)

	case MethodFsExists:
		var p fsOnePathParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		ok, err := m.Exists(f.Cwd, p.Path)
		if err != nil {
			return nil, err
		}
		if p.Into != "" {
			f.Locals[p.Into] = ok
		}
		return ok, nil

	case MethodFsMkdir:
		var p fsOnePathParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		return nil, m.Mkdir(f.Cwd, p.Path)

	case MethodFsReaddir:
		var p fsOnePathParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		entries, err := m.Readdir(f.Cwd, p.Path)
		if err != nil {
			return nil, err
		}
		if p.Into != "" {
			f.Locals[p.Into] = entries
		}
		return entries, nil

	case MethodFsRmdir:
		var p fsOnePathParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		return nil, m.Rmdir(f.Cwd, p.Path)

	case MethodFsLink:
		var p fsTwoPathParams
		if err := decode(step.Params, f, &p); err != nil {
			return nil, err
		}
		return nil, m.Link(f.Cwd, p.Src, p.Dst)

	default:
		return nil, apperrors.New(apperrors.KindUnknownMethod, "unrecognized fs.* method").WithDetail(string(step.Method))
	}
}
