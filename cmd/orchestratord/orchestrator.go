// Copyright 2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

// orchestrator wires the Application Lifecycle Manager's four injected
// runners (Installer/StartRunner/StopRunner/UninstallRunner) to concrete
// calls against the Script Engine, Shell Runner, File System API, Server
// Detector and Tunnel Broker. Grounded on cmd/runner/main.go's own pattern
// of a handful of package-level services wired once at startup and closed
// over by the functions that drive requests through them.

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
	"github.com/pinokio-cloud/orchestrator-core/internal/detector"
	"github.com/pinokio-cloud/orchestrator-core/internal/events"
	"github.com/pinokio-cloud/orchestrator-core/internal/fsapi"
	"github.com/pinokio-cloud/orchestrator-core/internal/lifecycle"
	"github.com/pinokio-cloud/orchestrator-core/internal/platform"
	"github.com/pinokio-cloud/orchestrator-core/internal/registry"
	"github.com/pinokio-cloud/orchestrator-core/internal/resolve"
	"github.com/pinokio-cloud/orchestrator-core/internal/script"
	"github.com/pinokio-cloud/orchestrator-core/internal/shellrun"
	"github.com/pinokio-cloud/orchestrator-core/internal/supervisor"
	"github.com/pinokio-cloud/orchestrator-core/internal/tunnel"
	"github.com/pinokio-cloud/orchestrator-core/pkg/studio"

	"github.com/otiai10/copy"
)

// orchestrator holds every service the four lifecycle runners close over.
// mgr is assigned once, after construction, so script.start/script.download
// steps can recurse back into the Lifecycle Manager that owns this very
// orchestrator.
type orchestrator struct {
	logger  *studio.Logger
	profile *platform.PlatformProfile
	mapper  *platform.Mapper

	sup     *supervisor.Supervisor
	runner  *shellrun.Runner
	venvMgr *shellrun.VenvManager
	cache   *fsapi.DownloadCache

	reg    *registry.Registry
	bus    *events.Bus
	broker *tunnel.Broker

	tunnelPreferences []string

	mgr *lifecycle.Manager
}

// invocation is the per-script-run state the ShellRun method needs to
// surface a daemon process back to the caller once Engine.Run returns;
// script.Methods itself has no slot for this, so the closure that builds
// Methods stashes it on the side.
type invocation struct {
	methods    script.Methods
	daemonProc *supervisor.Process
}

func (orc *orchestrator) stepEvent(appID string) script.EventFunc {
	return func(ev script.StepEvent) {
		orc.bus.Publish(events.Event{
			Kind:   events.KindStepProgress,
			AppID:  appID,
			State:  string(ev.Status),
			Detail: ev.Detail,
		})
	}
}

// newResolveContext builds the Variable Resolver context for one script
// invocation, projecting the Platform Abstraction's GPU list into the
// resolver's own GPUView shape so internal/resolve never imports
// internal/platform directly.
func (orc *orchestrator) newResolveContext(rec *registry.AppRecord, cwd string) *resolve.Context {
	gpuInfo := orc.profile.GPUInfo()
	gpus := make([]resolve.GPUView, 0, len(gpuInfo))
	cuda := ""
	for _, g := range gpuInfo {
		gpus = append(gpus, resolve.GPUView{Name: g.Name, MemoryMiB: g.MemoryMiB, CUDAVersion: g.CUDAVersion})
		if cuda == "" {
			cuda = g.CUDAVersion
		}
	}
	rCtx := resolve.NewContext(string(orc.profile.Class), runtime.GOARCH, gpus, cuda)
	rCtx.Cwd = cwd
	rCtx.App = rec.AppID
	rCtx.Timestamp = resolve.FormatTimestamp(time.Now().UnixNano())
	rCtx.Self = map[string]interface{}{"appId": rec.AppID, "state": string(rec.State)}
	for k, v := range rec.LocalVars {
		rCtx.Local[k] = v
	}
	rCtx.Env = envAsMap()
	rCtx.AllocatePort = func() (int, error) {
		port, err := studio.GetFreePort(":0")
		if err != nil {
			return 0, err
		}
		return port, nil
	}
	rCtx.WhichCmd = which
	return rCtx
}

func envAsMap() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

// resolveScript locates an app's installer/start script by hint, falling
// back to the "<stem>.json" then "<stem>.js" convention (spec.md §6.1: a
// pinokio.js-flavored script is, for this orchestrator's purposes, the same
// JSON-equivalent object a .json script carries).
func resolveScript(root, hint, stem string) (path string, kind string, found bool) {
	candidates := []string{}
	if hint != "" {
		candidates = append(candidates, hint)
	}
	candidates = append(candidates, stem+".json", stem+".js")
	for _, c := range candidates {
		p := filepath.Join(root, c)
		fi, errGo := os.Stat(p)
		if errGo != nil || fi.IsDir() {
			continue
		}
		kind = "json"
		if strings.HasSuffix(c, ".js") {
			kind = "js"
		}
		return p, kind, true
	}
	return "", "", false
}

func dirEmpty(dir string) (bool, *apperrors.Error) {
	entries, errGo := os.ReadDir(dir)
	if errGo != nil {
		if os.IsNotExist(errGo) {
			return true, nil
		}
		return false, apperrors.Wrap(apperrors.KindInternal, errGo).WithDetail(dir)
	}
	return len(entries) == 0, nil
}

func isRemoteLocator(locator string) bool {
	return strings.HasPrefix(locator, "http://") ||
		strings.HasPrefix(locator, "https://") ||
		strings.HasPrefix(locator, "git@") ||
		strings.HasSuffix(locator, ".git")
}

// fetchSource populates dest from locator: a clone for anything that looks
// like a remote repository, a recursive copy for a local path. Grounded on
// shellrun/venv.go's exec.CommandContext("python3", "-m", "venv", ...)
// idiom for shelling out, since no git-clone library exists anywhere in
// this module's dependency surface.
func fetchSource(ctx context.Context, locator, dest string) *apperrors.Error {
	if isRemoteLocator(locator) {
		return cloneRepo(ctx, locator, dest, "")
	}
	if errGo := copy.Copy(locator, dest); errGo != nil {
		return apperrors.Wrap(apperrors.KindCloneFailed, errGo).WithDetail(locator)
	}
	return nil
}

// install is the lifecycle.Installer: clone/copy the app's source into its
// install root, resolve and run the installer script, and record whether
// the script created a venv.
func (orc *orchestrator) install(ctx context.Context, rec *registry.AppRecord) *apperrors.Error {
	root := orc.mapper.AppRoot(rec.AppID)
	if errGo := os.MkdirAll(root, 0o755); errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).WithDetail(root)
	}

	empty, err := dirEmpty(root)
	if err != nil {
		return err
	}
	if empty {
		if err := fetchSource(ctx, rec.Descriptor.SourceLocator, root); err != nil {
			return err
		}
	}

	rec.InstallRoot = root

	scriptPath, kind, found := resolveScript(root, rec.Descriptor.InstallerHint, "install")
	if !found {
		// Not every app needs an install step (some only declare start.*).
		return nil
	}

	if err := orc.runScript(ctx, rec, root, scriptPath, nil); err != nil {
		return err
	}
	rec.InstallerKind = kind

	venvPath := orc.venvMgr.Path(rec.AppID)
	if fi, errGo := os.Stat(filepath.Join(venvPath, "bin", "python3")); errGo == nil && !fi.IsDir() {
		rec.Venv = &registry.VenvHandle{Path: venvPath, ActivationKind: "env-injection"}
	}
	return nil
}

// start is the lifecycle.StartRunner: resolve and run the start script. A
// script whose top-level daemon: true detached a process via shell.run's
// own daemon flag; this function races the Server Detector against that
// process's stdout/stderr and, once ready, asks the Tunnel Broker to expose
// it.
func (orc *orchestrator) start(ctx context.Context, rec *registry.AppRecord, args map[string]interface{}) (*lifecycle.StartResult, *apperrors.Error) {
	root := rec.InstallRoot
	if root == "" {
		root = orc.mapper.AppRoot(rec.AppID)
	}

	scriptPath, _, found := resolveScript(root, rec.Descriptor.InstallerHint, "start")
	if !found {
		return nil, apperrors.New(apperrors.KindScriptParse, "no start script found by hint or convention").WithDetail(root)
	}

	inv, err := orc.runScriptInvocation(ctx, rec, root, scriptPath, args)
	if err != nil {
		return nil, err
	}

	if inv.daemonProc == nil {
		return &lifecycle.StartResult{Daemon: false}, nil
	}

	opts := detector.Options{
		ReadinessRegex: rec.Descriptor.ReadinessRegex,
		DefaultPort:    rec.Descriptor.DefaultPort,
	}
	result, errD := detector.Detect(ctx, inv.daemonProc.Lines(), opts)
	if errD != nil {
		return nil, errD
	}

	rec.Process = &registry.ProcessHandle{Pid: inv.daemonProc.Pid, LogPath: inv.daemonProc.LogPath}
	port := result.Port
	rec.Port = &port

	publicURL := ""
	if orc.broker != nil && len(orc.tunnelPreferences) > 0 {
		tunRec, errT := orc.broker.Open(ctx, rec.AppID, port, orc.tunnelPreferences)
		if errT == nil {
			publicURL = tunRec.PublicURL
			rec.Tunnel = &registry.TunnelRecord{
				Provider:  tunRec.Provider,
				LocalPort: tunRec.LocalPort,
				PublicURL: tunRec.PublicURL,
				CreatedAt: tunRec.CreatedAt,
				Health:    string(tunRec.Health),
			}
		} else {
			orc.logger.Warn("tunnel open failed, app remains reachable only on the local port", "appId", rec.AppID, "error", errT.Error())
		}
	}

	return &lifecycle.StartResult{Port: port, PublicURL: publicURL, Daemon: true}, nil
}

// stop is the lifecycle.StopRunner: close any open tunnel, then stop the
// supervised process with the Shell Runner's default grace period.
func (orc *orchestrator) stop(ctx context.Context, rec *registry.AppRecord) *apperrors.Error {
	if rec.Tunnel != nil && orc.broker != nil {
		orc.broker.Close(ctx, rec.AppID)
	}
	return orc.runner.Stop(rec.AppID, shellrun.DefaultGrace)
}

// uninstall is the lifecycle.UninstallRunner: it removes the install root
// and venv; purge additionally removes the shared model directory.
func (orc *orchestrator) uninstall(ctx context.Context, rec *registry.AppRecord, purge bool) *apperrors.Error {
	root := rec.InstallRoot
	if root == "" {
		root = orc.mapper.AppRoot(rec.AppID)
	}
	if errGo := os.RemoveAll(root); errGo != nil {
		return apperrors.Wrap(apperrors.KindInternal, errGo).WithDetail(root)
	}
	if rec.Venv != nil {
		if err := orc.venvMgr.Destroy(rec.AppID); err != nil {
			return err
		}
	}
	if purge {
		models := orc.mapper.ModelsRoot()
		if errGo := os.RemoveAll(models); errGo != nil {
			return apperrors.Wrap(apperrors.KindInternal, errGo).WithDetail(models)
		}
	}
	return nil
}

// runScript parses and runs one script file against rec, discarding the
// invocation state start() needs; used by install, which never races a
// detached process.
func (orc *orchestrator) runScript(ctx context.Context, rec *registry.AppRecord, cwd, scriptPath string, args map[string]interface{}) *apperrors.Error {
	_, err := orc.runScriptInvocation(ctx, rec, cwd, scriptPath, args)
	return err
}

func (orc *orchestrator) runScriptInvocation(ctx context.Context, rec *registry.AppRecord, cwd, scriptPath string, args map[string]interface{}) (*invocation, *apperrors.Error) {
	raw, errGo := os.ReadFile(filepath.Clean(scriptPath))
	if errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindScriptParse, errGo).WithDetail(scriptPath)
	}
	ast, errP := script.Parse(raw)
	if errP != nil {
		return nil, errP
	}

	rCtx := orc.newResolveContext(rec, cwd)
	if args != nil {
		rCtx.Args = args
	}
	frame := script.NewFrame(rec.AppID, cwd, rCtx)

	var venvEnv map[string]string
	if rec.Venv != nil {
		venvEnv = orc.venvMgr.Activate(rec.AppID).ActivationEnv
	}

	inv := orc.newInvocation(rec, cwd, ast.Env, venvEnv)
	eng := script.NewEngine(inv.methods, orc.stepEvent(rec.AppID))
	if err := eng.Run(ctx, ast, frame); err != nil {
		if orc.logger.IsDebug() {
			orc.logger.Debug("script run failed, dumping record and locals", "appId", rec.AppID, "record", spew.Sdump(rec), "locals", spew.Sdump(frame.Locals))
		}
		return nil, err
	}
	if !ast.Daemon {
		inv.daemonProc = nil
	}
	return inv, nil
}
