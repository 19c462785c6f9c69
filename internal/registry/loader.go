// Package registry discovers GGUF model files and builds validated model
// descriptors. Validation (magic bytes, minimum size) happens once at scan
// time; descriptors are immutable afterwards.
package registry

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"inferd/internal/common/fsutil"
	"inferd/internal/errdefs"
	"inferd/pkg/types"
)

// ggufMagic is the GGUF container magic at offset 0.
var ggufMagic = []byte("GGUF")

// minModelSize rejects obviously truncated files before a load is attempted.
// The GGUF header plus metadata alone exceed this.
const minModelSize = 1024

// GGUFScanner walks a models directory and identifies GGUF files.
type GGUFScanner struct{}

func NewGGUFScanner() *GGUFScanner { return &GGUFScanner{} }

// Scan lists validated models under dir. Files that fail validation are
// skipped and reported in the second return value so the caller can log them;
// a bad file must not take down the whole registry.
func (s *GGUFScanner) Scan(dir string) ([]types.Model, []error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, []error{err}
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, []error{fmt.Errorf("abs path: %w", err)}
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, []error{fmt.Errorf("read dir: %w", err)}
	}
	var models []types.Model
	var skipped []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		mdl, err := Identify(filepath.Join(abs, name))
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		models = append(models, mdl)
	}
	return models, skipped
}

// LoadDir scans dir and returns the models that passed validation.
func LoadDir(dir string) ([]types.Model, []error) {
	return NewGGUFScanner().Scan(dir)
}

// Identify validates a single model file and builds its descriptor.
// ID is the filename without the .gguf extension.
func Identify(path string) (types.Model, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return types.Model{}, errdefs.Wrap(errdefs.FileNotFound, err, "model file %s", path)
	}
	if fi.Size() < minModelSize {
		return types.Model{}, errdefs.New(errdefs.FileCorrupted,
			"%s is %d bytes, below the %d byte minimum", path, fi.Size(), minModelSize)
	}
	f, err := os.Open(path)
	if err != nil {
		return types.Model{}, errdefs.Wrap(errdefs.FileNotFound, err, "open %s", path)
	}
	defer f.Close()
	magic := make([]byte, len(ggufMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return types.Model{}, errdefs.Wrap(errdefs.FileCorrupted, err, "read header of %s", path)
	}
	if !bytes.Equal(magic, ggufMagic) {
		return types.Model{}, errdefs.New(errdefs.FileCorrupted,
			"%s does not start with the GGUF magic", path).
			WithSuggestion("re-download the model or convert it to GGUF")
	}
	name := fi.Name()
	id := strings.TrimSuffix(name, filepath.Ext(name))
	return types.Model{
		ID:        id,
		Name:      id,
		Path:      path,
		Family:    guessFamily(id),
		Quant:     guessQuant(id),
		SizeBytes: fi.Size(),
	}, nil
}

// guessFamily picks the architecture family out of the filename.
func guessFamily(id string) string {
	lower := strings.ToLower(id)
	for _, fam := range []string{"llama", "qwen", "yi", "gemma", "phi", "mixtral", "mistral"} {
		if strings.Contains(lower, fam) {
			return fam
		}
	}
	return ""
}

// guessQuant extracts a quantization tag like Q4_K_M from the filename.
func guessQuant(id string) string {
	for _, part := range strings.FieldsFunc(id, func(r rune) bool { return r == '.' || r == '-' }) {
		lower := strings.ToLower(part)
		if len(lower) >= 2 && lower[0] == 'q' && lower[1] >= '0' && lower[1] <= '9' {
			return strings.ToUpper(part)
		}
		switch lower {
		case "f16", "f32", "bf16":
			return strings.ToUpper(part)
		}
	}
	return ""
}
