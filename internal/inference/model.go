package inference

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Model is an opaque, validated handle. Runtimes interpret Path.
type Model struct {
	Path   string
	SHA256 string
	Size   int64
}

// LoadModel validates the model file once, before any audio flows. An empty
// path yields a handle for runtimes that need no file.
func LoadModel(path, expectedSHA256 string) (Model, error) {
	if path == "" {
		return Model{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Model{}, &CorruptModelError{Path: path, Reason: err.Error()}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Model{}, &CorruptModelError{Path: path, Reason: err.Error()}
	}
	if info.IsDir() {
		return Model{}, &CorruptModelError{Path: path, Reason: "is a directory"}
	}
	if info.Size() == 0 {
		return Model{}, &CorruptModelError{Path: path, Reason: "empty file"}
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return Model{}, &CorruptModelError{Path: path, Reason: fmt.Sprintf("read: %v", err)}
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if want := strings.ToLower(strings.TrimSpace(expectedSHA256)); want != "" && want != sum {
		return Model{}, &CorruptModelError{Path: path, Reason: fmt.Sprintf("checksum %s does not match expected %s", sum, want)}
	}
	return Model{Path: path, SHA256: sum, Size: info.Size()}, nil
}
