package registry

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"inferd/internal/errdefs"
)

// writeGGUF drops a minimal file that passes magic and size validation.
func writeGGUF(t *testing.T, dir, name string) string {
	t.Helper()
	data := make([]byte, minModelSize)
	copy(data, ggufMagic)
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return p
}

func TestGGUFScanner_ScanFiltersGGUF(t *testing.T) {
	dir := t.TempDir()
	writeGGUF(t, dir, "a.gguf")
	writeGGUF(t, dir, "b.GGUF") // case-insensitive
	for _, f := range []string{"not-model.txt", "model.bin"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o644); err != nil {
			t.Fatalf("write temp file: %v", err)
		}
	}
	s := NewGGUFScanner()
	models, skipped := s.Scan(dir)
	if len(skipped) != 0 {
		t.Fatalf("unexpected skips: %v", skipped)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	// IDs drop the extension.
	if models[0].ID != "a" || models[1].ID != "b" {
		t.Fatalf("unexpected ids: %q %q", models[0].ID, models[1].ID)
	}
}

func TestScanSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeGGUF(t, dir, "good.gguf")
	// Wrong magic, right size.
	bad := make([]byte, minModelSize)
	copy(bad, []byte("NOPE"))
	if err := os.WriteFile(filepath.Join(dir, "badmagic.gguf"), bad, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Right magic, truncated.
	if err := os.WriteFile(filepath.Join(dir, "tiny.gguf"), []byte("GGUF"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	models, skipped := NewGGUFScanner().Scan(dir)
	if len(models) != 1 || models[0].ID != "good" {
		t.Fatalf("unexpected models: %+v", models)
	}
	if len(skipped) != 2 {
		t.Fatalf("expected 2 skipped files, got %v", skipped)
	}
	for _, err := range skipped {
		if errdefs.CodeOf(err) != errdefs.FileCorrupted {
			t.Fatalf("expected FileCorrupted, got %v", err)
		}
	}
}

func TestIdentifyFillsMetadata(t *testing.T) {
	dir := t.TempDir()
	p := writeGGUF(t, dir, "llama-3.1-8b-instruct-Q4_K_M.gguf")
	m, err := Identify(p)
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if m.ID != "llama-3.1-8b-instruct-Q4_K_M" {
		t.Fatalf("id %q", m.ID)
	}
	if m.Family != "llama" {
		t.Fatalf("family %q", m.Family)
	}
	if m.Quant != "Q4_K_M" {
		t.Fatalf("quant %q", m.Quant)
	}
	if m.SizeBytes != minModelSize {
		t.Fatalf("size %d", m.SizeBytes)
	}
	if !filepath.IsAbs(m.Path) {
		t.Fatalf("path not absolute: %q", m.Path)
	}
}

func TestIdentifyMissingFile(t *testing.T) {
	_, err := Identify(filepath.Join(t.TempDir(), "nope.gguf"))
	if errdefs.CodeOf(err) != errdefs.FileNotFound {
		t.Fatalf("expected FileNotFound, got %v", err)
	}
}

func TestGGUFScanner_ExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir on this platform: %v", err)
	}
	hTmp, err := os.MkdirTemp(home, "inferd-registry-*")
	if err != nil {
		t.Skipf("cannot create temp under home: %v", err)
	}
	defer os.RemoveAll(hTmp)
	writeGGUF(t, hTmp, "x.gguf")
	var tildePath string
	if runtime.GOOS == "windows" {
		tildePath = filepath.Join("~", filepath.Base(hTmp))
	} else {
		tildePath = "~/" + filepath.Base(hTmp)
	}
	models, skipped := NewGGUFScanner().Scan(tildePath)
	if len(skipped) != 0 {
		t.Fatalf("unexpected skips: %v", skipped)
	}
	if len(models) != 1 || models[0].ID != "x" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestLoadDirWrapper(t *testing.T) {
	dir := t.TempDir()
	writeGGUF(t, dir, "m.gguf")
	models, skipped := LoadDir(dir)
	if len(skipped) != 0 {
		t.Fatalf("unexpected skips: %v", skipped)
	}
	if len(models) != 1 || models[0].ID != "m" {
		t.Fatalf("unexpected: %+v", models)
	}
}
