// Copyright 2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

// newInvocation builds a fresh script.Methods bundle for one script run,
// closing over the app id, its working directory, and the declared/venv
// environment to merge into every shell.run step. Grounded on
// internal/script/engine_test.go's fakeFsMethods(...) helper, which is
// likewise built fresh per test rather than shared globally.

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
	"github.com/pinokio-cloud/orchestrator-core/internal/events"
	"github.com/pinokio-cloud/orchestrator-core/internal/fsapi"
	"github.com/pinokio-cloud/orchestrator-core/internal/registry"
	"github.com/pinokio-cloud/orchestrator-core/internal/script"
	"github.com/pinokio-cloud/orchestrator-core/internal/shellrun"
)

func (orc *orchestrator) newInvocation(rec *registry.AppRecord, cwd string, scriptEnv, venvEnv map[string]string) *invocation {
	inv := &invocation{}

	fsAPI := fsapi.New(orc.mapper, rec.AppID, orc.cache)
	fsMethods := script.FsMethods{
		Write: fsAPI.Write,
		Read:  fsAPI.Read,
		Download: func(ctx context.Context, base, logical, url string, extract bool, expectedSize int64) *apperrors.Error {
			// fsapi.API.Download also accepts a progress callback that the
			// Script Engine's step shape has no slot for; steps don't
			// observe partial progress today, so nil is always correct here.
			return fsAPI.Download(ctx, base, logical, url, extract, expectedSize, nil)
		},
		Copy:    fsAPI.Copy,
		Move:    fsAPI.Move,
		Remove:  fsAPI.Remove,
		Exists:  fsAPI.Exists,
		Mkdir:   fsAPI.Mkdir,
		Readdir: fsAPI.Readdir,
		Rmdir:   fsAPI.Rmdir,
		Link:    fsAPI.Link,
	}

	inv.methods = script.Methods{
		ShellRun: func(ctx context.Context, f *script.Frame, p script.ShellRunParams) (string, *apperrors.Error) {
			dir := cwd
			if p.Cwd != "" {
				dir = orc.mapper.Resolve(cwd, p.Cwd)
			}

			env := venvEnv
			if p.Venv {
				handle, err := orc.venvMgr.Create(ctx, rec.AppID)
				if err != nil {
					return "", err
				}
				env = handle.ActivationEnv
			}

			req := shellrun.Request{
				AppID:   rec.AppID,
				Lines:   p.Lines,
				Dir:     dir,
				Env:     shellrun.MergedEnv(scriptEnv, env),
				LogPath: orc.mapper.AppLogPath(rec.AppID),
				Daemon:  p.Daemon,
			}

			if p.Daemon {
				proc, err := orc.runner.RunDaemon(ctx, req)
				if err != nil {
					return "", err
				}
				inv.daemonProc = proc
				return "", nil
			}
			return orc.runner.RunForeground(ctx, req)
		},

		Fs:   fsMethods,
		JSON: script.JSONMethods{Fs: fsMethods},

		Net: func(ctx context.Context, f *script.Frame, p script.NetRequestParams) (string, *apperrors.Error) {
			method := p.Method
			if method == "" {
				method = http.MethodGet
			}
			var body io.Reader
			if p.Body != "" {
				body = strings.NewReader(p.Body)
			}
			req, errGo := http.NewRequestWithContext(ctx, method, p.URL, body)
			if errGo != nil {
				return "", apperrors.Wrap(apperrors.KindInternal, errGo).WithDetail(p.URL)
			}
			for k, v := range p.Headers {
				req.Header.Set(k, v)
			}
			resp, errGo := http.DefaultClient.Do(req)
			if errGo != nil {
				return "", apperrors.Wrap(apperrors.KindInternal, errGo).WithDetail(p.URL)
			}
			defer resp.Body.Close()
			data, errGo := io.ReadAll(resp.Body)
			if errGo != nil {
				return "", apperrors.Wrap(apperrors.KindInternal, errGo).WithDetail(p.URL)
			}
			return string(data), nil
		},

		Input: func(ctx context.Context, appID, prompt string) (string, *apperrors.Error) {
			if v, ok := rec.LocalVars[prompt]; ok {
				return v, nil
			}
			return "", apperrors.New(apperrors.KindInputCancelled, "no operator channel is bound in headless mode; pre-seed an answer in the app's localVars").WithDetail(prompt)
		},

		LocalSet: func(f *script.Frame, vars map[string]interface{}) {
			if rec.LocalVars == nil {
				rec.LocalVars = map[string]string{}
			}
			for k, v := range vars {
				rec.LocalVars[k] = stringifyLocal(v)
			}
			orc.reg.Put(rec)
		},

		Notify: func(f *script.Frame, message string) {
			orc.bus.Publish(events.Event{Kind: events.KindNotify, AppID: rec.AppID, Detail: message})
		},

		Log: func(f *script.Frame, level, message string) {
			orc.bus.Publish(events.Event{Kind: events.KindLog, AppID: rec.AppID, Detail: level + ": " + message})
			orc.logger.Info(message, "appId", rec.AppID, "level", level)
		},

		WebOpen: func(f *script.Frame, url string) {
			orc.logger.Info("script requested web.open; no browser to drive in headless mode", "appId", rec.AppID, "url", url)
		},

		HFDownload: func(ctx context.Context, f *script.Frame, p script.HFDownloadParams) *apperrors.Error {
			base := cwd
			if p.Shared {
				base = orc.mapper.ModelsRoot()
			}
			dest := orc.mapper.Resolve(base, p.Into)
			if err := orc.mapper.CheckUnderRoot(dest, rec.AppID); err != nil {
				return err
			}
			return cloneRepo(ctx, hfRepoURL(p.RepoType, p.Repo), dest, p.Revision)
		},

		SubScript: script.SubScriptMethods{
			Start: func(ctx context.Context, f *script.Frame, p script.ScriptStartParams) *apperrors.Error {
				_, err := orc.mgr.Start(ctx, p.AppID, p.Args)
				return err
			},
			Stop: func(ctx context.Context, f *script.Frame, appID string) *apperrors.Error {
				_, err := orc.mgr.Stop(ctx, appID)
				return err
			},
			Download: func(ctx context.Context, f *script.Frame, p script.ScriptStartParams) *apperrors.Error {
				if p.Input == "" {
					return apperrors.New(apperrors.KindScriptParse, "script.download requires input to name a source locator")
				}
				_, err := orc.mgr.Install(ctx, p.AppID, registry.AppDescriptor{SourceLocator: p.Input})
				return err
			},
		},
	}

	return inv
}

// stringifyLocal renders a local.set value for AppRecord.LocalVars, which
// the Registry persists as a string-keyed map (spec.md's durable-scalar
// data model); non-string values round-trip through their Go formatting.
func stringifyLocal(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
