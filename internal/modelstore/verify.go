package modelstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoManifest is returned by Verify for bundles that were not downloaded by
// this package, such as a hand-placed model dir.
var ErrNoManifest = errors.New("bundle has no manifest")

// Verify checks every file listed in dir/manifest.json against its recorded
// size and sha256.
func Verify(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoManifest
		}
		return fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}

	for _, f := range manifest.Files {
		if err := validateRelPath(f.Path); err != nil {
			return fmt.Errorf("manifest entry: %w", err)
		}
		local := filepath.Join(dir, filepath.FromSlash(f.Path))
		info, err := os.Stat(local)
		if err != nil {
			return fmt.Errorf("stat %s: %w", f.Path, err)
		}
		if f.Size > 0 && info.Size() != f.Size {
			return fmt.Errorf("size mismatch for %s: expected %d got %d", f.Path, f.Size, info.Size())
		}
		if f.SHA256 == "" {
			continue
		}
		sum, err := hashFile(local)
		if err != nil {
			return fmt.Errorf("hash %s: %w", f.Path, err)
		}
		if !strings.EqualFold(sum, f.SHA256) {
			return fmt.Errorf("sha256 mismatch for %s: expected %s got %s", f.Path, f.SHA256, sum)
		}
	}
	return nil
}

func hashFile(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()
	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
