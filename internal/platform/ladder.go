package platform

import (
	"os"
	"os/exec"
	"path/filepath"
)

// detectClass runs the detection ladder: environment variables first,
// then presence of canonical directories each host class is known to
// mount, then falls back to generic-linux. This mirrors the teacher's
// flag-then-env fallback convention (internal/runner/slack.go's
// flag.String()+env lookup) applied to a ladder of independent probes
// instead of a single flag.
func detectClass() HostClass {
	switch {
	case os.Getenv("COLAB_GPU") != "" || dirExists("/content"):
		return HostColab
	case os.Getenv("VAST_CONTAINERLABEL") != "" || dirExists("/workspace") && os.Getenv("CONTAINER_ID") != "":
		return HostVastAI
	case os.Getenv("LIGHTNING_CLOUD_URL") != "" || dirExists("/teamspace"):
		return HostLightningAI
	case os.Getenv("PAPERSPACE_METRIC_COLLECTOR_OTLP_ENDPOINT") != "" || dirExists("/notebooks"):
		return HostPaperspace
	case os.Getenv("RUNPOD_POD_ID") != "":
		return HostRunPod
	default:
		return HostGenericLinux
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// defaultRootFor returns the canonical install root for a host class when
// PINOKIO_ROOT is not set. Each cloud host mounts persistent storage at a
// different conventional path; generic-linux falls back to the user's home
// directory.
func defaultRootFor(class HostClass) (root string, err error) {
	switch class {
	case HostColab:
		return "/content/pinokio", nil
	case HostVastAI:
		return "/workspace/pinokio", nil
	case HostLightningAI:
		return "/teamspace/studios/this_studio/pinokio", nil
	case HostPaperspace:
		return "/notebooks/pinokio", nil
	case HostRunPod:
		return "/workspace/pinokio", nil
	default:
		home, errGo := os.UserHomeDir()
		if errGo != nil {
			return "", errGo
		}
		return filepath.Join(home, ".pinokio"), nil
	}
}

// persistenceDirFor returns the directory that survives a host restart.
// On most notebook hosts this is the same as the install root (the whole
// mount is persistent); left distinct so a future host class that only
// persists a subdirectory can diverge without an interface change.
func persistenceDirFor(class HostClass, root string) string {
	return root
}

// detectContainerized reports whether the process appears to be running
// inside a container, used by isContainerized().
func detectContainerized() bool {
	if dirExists("/.dockerenv") {
		return true
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		return len(data) > 0 && containsDockerOrKube(string(data))
	}
	return false
}

func containsDockerOrKube(cgroup string) bool {
	return indexOfAny(cgroup, "docker", "kubepods", "containerd") >= 0
}

func indexOfAny(s string, subs ...string) int {
	for _, sub := range subs {
		if i := indexOf(s, sub); i >= 0 {
			return i
		}
	}
	return -1
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// detectAllowsRawSignals reports whether the host permits sending raw
// process-group signals. Some managed notebook hosts run the orchestrator
// itself inside a restricted container where only SIGTERM to the direct
// child (not the group) is permitted; generic-linux and most GPU hosts
// allow full process-group signalling. This implementation reports true for
// every host class.
func detectAllowsRawSignals(class HostClass) bool {
	return true
}

// detectCapabilities probes for a small fixed set of external commands the
// Script Engine and Venv Manager rely on.
func detectCapabilities() map[string]bool {
	names := []string{"conda", "node", "npm", "git", "python3", "pip", "nvidia-smi", "ngrok", "cloudflared"}
	caps := make(map[string]bool, len(names))
	for _, n := range names {
		_, err := exec.LookPath(n)
		caps[n] = err == nil
	}
	return caps
}
