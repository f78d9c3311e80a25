package registry

import (
	"path/filepath"
	"testing"
)

func TestPutAndGetRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec := &AppRecord{
		AppID:      "hello",
		Descriptor: AppDescriptor{SourceLocator: "https://example.com/hello.git"},
		State:      StateInstalling,
	}
	if err := r.Put(rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got := r.Get("hello")
	if got == nil || got.State != StateInstalling {
		t.Fatalf("got %+v", got)
	}
}

func TestRegistryPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := r.Put(&AppRecord{AppID: "hello", State: StateInstalled}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	reloaded, err := New(path)
	if err != nil {
		t.Fatalf("reload New failed: %v", err)
	}
	got := reloaded.Get("hello")
	if got == nil || got.State != StateInstalled {
		t.Fatalf("got %+v after reload", got)
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r, _ := New(path)
	_ = r.Put(&AppRecord{AppID: "hello", State: StateInstalled})
	if err := r.Delete("hello"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := r.Get("hello"); got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}

func TestNewAccessionIDIsNonEmpty(t *testing.T) {
	id, err := NewAccessionID()
	if err != nil {
		t.Fatalf("NewAccessionID failed: %v", err)
	}
	if id == "" {
		t.Error("expected non-empty accession id")
	}
}
