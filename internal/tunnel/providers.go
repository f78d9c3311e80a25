package tunnel

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"
)

// cliProvider is the shared shape of the three CLI-backed tunnel
// providers: launch a long-running subprocess, scrape its stdout for the
// public URL it prints once connected, and keep the *exec.Cmd as the
// Handle so Probe/Close can check/terminate it.
type cliProvider struct {
	name    string
	command string
	args    func(localPort int, cred *Credential) []string
	urlRe   *regexp.Regexp
}

type cliHandle struct {
	cmd *exec.Cmd
}

func (p *cliProvider) Name() string { return p.name }

func (p *cliProvider) Open(ctx context.Context, localPort int, cred *Credential) (string, Handle, error) {
	if _, errGo := exec.LookPath(p.command); errGo != nil {
		return "", nil, fmt.Errorf("%s binary not found on PATH: %w", p.command, errGo)
	}
	cmd := exec.CommandContext(ctx, p.command, p.args(localPort, cred)...)
	stdout, errGo := cmd.StdoutPipe()
	if errGo != nil {
		return "", nil, errGo
	}
	if errGo := cmd.Start(); errGo != nil {
		return "", nil, errGo
	}

	urlC := make(chan string, 1)
	go scrapeURL(stdout, p.urlRe, urlC)

	select {
	case url := <-urlC:
		return url, &cliHandle{cmd: cmd}, nil
	case <-time.After(DefaultOpenTimeout):
		cmd.Process.Kill()
		return "", nil, fmt.Errorf("%s did not print a public url within the open timeout", p.name)
	case <-ctx.Done():
		cmd.Process.Kill()
		return "", nil, ctx.Err()
	}
}

func (p *cliProvider) Probe(ctx context.Context, handle Handle) (Health, error) {
	h, ok := handle.(*cliHandle)
	if !ok || h.cmd.Process == nil {
		return HealthDead, nil
	}
	if h.cmd.ProcessState != nil && h.cmd.ProcessState.Exited() {
		return HealthDead, nil
	}
	return HealthHealthy, nil
}

func (p *cliProvider) Close(ctx context.Context, handle Handle) error {
	h, ok := handle.(*cliHandle)
	if !ok || h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func scrapeURL(r interface{ Read([]byte) (int, error) }, re *regexp.Regexp, urlC chan<- string) {
	buf := make([]byte, 4096)
	var acc []byte
	for {
		n, errGo := r.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			if m := re.FindSubmatch(acc); m != nil {
				urlC <- string(m[len(m)-1])
				return
			}
		}
		if errGo != nil {
			return
		}
	}
}

// NewNgrokProvider wraps the `ngrok http <port>` CLI, which prints its
// assigned public URL to stdout once the tunnel is established.
func NewNgrokProvider() Provider {
	return &cliProvider{
		name:    "ngrok",
		command: "ngrok",
		args: func(port int, cred *Credential) []string {
			args := []string{"http", fmt.Sprintf("%d", port), "--log=stdout"}
			if cred != nil && cred.Token != "" {
				args = append(args, "--authtoken", cred.Token)
			}
			return args
		},
		urlRe: regexp.MustCompile(`url=(https://[^\s]+)`),
	}
}

// NewCloudflareQuickProvider wraps `cloudflared tunnel --url`, Cloudflare's
// credential-less "quick tunnel" mode — the provider this broker falls
// back to when no ngrok auth token is configured.
func NewCloudflareQuickProvider() Provider {
	return &cliProvider{
		name:    "cloudflare-quick",
		command: "cloudflared",
		args: func(port int, cred *Credential) []string {
			return []string{"tunnel", "--url", fmt.Sprintf("http://127.0.0.1:%d", port)}
		},
		urlRe: regexp.MustCompile(`(https://[a-zA-Z0-9-]+\.trycloudflare\.com)`),
	}
}

// NewLocaltunnelProvider wraps the `lt --port <port>` CLI (the Node
// "localtunnel" package's binary), the last-resort credential-less
// fallback.
func NewLocaltunnelProvider() Provider {
	return &cliProvider{
		name:    "localtunnel",
		command: "lt",
		args: func(port int, cred *Credential) []string {
			return []string{"--port", fmt.Sprintf("%d", port)}
		},
		urlRe: regexp.MustCompile(`(https://[a-zA-Z0-9-]+\.loca\.lt)`),
	}
}
