package fsapi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pinokio-cloud/orchestrator-core/internal/platform"
)

func newTestAPI(t *testing.T) (*API, string) {
	t.Helper()
	root := t.TempDir()
	profile := &platform.PlatformProfile{Root: root, PersistenceDir: root}
	mapper := platform.NewMapper(profile)
	appRoot := mapper.AppRoot("demo")
	if err := os.MkdirAll(appRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	cache := NewDownloadCache(filepath.Join(root, "cache"))
	return New(mapper, "demo", cache), appRoot
}

func TestWriteAndRead(t *testing.T) {
	api, appRoot := newTestAPI(t)

	if err := api.Write(appRoot, "notes.txt", "hello"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := api.Read(appRoot, "notes.txt")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestWriteRejectsEscape(t *testing.T) {
	api, appRoot := newTestAPI(t)

	if err := api.Write(appRoot, "../../../etc/passwd", "pwned"); err == nil {
		t.Fatal("expected path-escape error, got nil")
	}
}

func TestExistsMkdirRemove(t *testing.T) {
	api, appRoot := newTestAPI(t)

	if ok, err := api.Exists(appRoot, "sub"); err != nil || ok {
		t.Fatalf("expected sub to not exist yet, got ok=%v err=%v", ok, err)
	}
	if err := api.Mkdir(appRoot, "sub"); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if ok, err := api.Exists(appRoot, "sub"); err != nil || !ok {
		t.Fatalf("expected sub to exist, got ok=%v err=%v", ok, err)
	}
	if err := api.Remove(appRoot, "sub"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if ok, _ := api.Exists(appRoot, "sub"); ok {
		t.Fatal("expected sub to be gone after Remove")
	}
}

func TestLinkRejectsDestinationEscape(t *testing.T) {
	api, appRoot := newTestAPI(t)
	if err := api.Write(appRoot, "model.bin", "weights"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := api.Link(appRoot, "model.bin", "../../escaped-link"); err == nil {
		t.Fatal("expected path-escape error for link destination, got nil")
	}
}
