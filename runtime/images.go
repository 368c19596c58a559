package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cascaderun/cascade/cascade"
)

// FSImageStore persists tool-result images under a filesystem tree rooted
// at Root, matching spec.md §6 "Images on disk": "images/{session_id}.../
// {phase_name}/image_{N}.{ext}". The session_id component already carries
// any _sounding{i}/_reforge{k}_{i} suffix (trace.SoundingSessionID/
// ReforgeSessionID), so this store only needs to nest by phase name.
type FSImageStore struct {
	Root string
}

// Persist copies the file at srcPath into the session/phase image tree and
// returns the persisted cascade.ImageRef. Content is immutable once
// written: Persist never overwrites an existing destination file.
func (s FSImageStore) Persist(ctx context.Context, sessionID, phaseName string, index int, srcPath string) (cascade.ImageRef, error) {
	ext := strings.TrimPrefix(filepath.Ext(srcPath), ".")
	if ext == "" {
		ext = "bin"
	}
	dir := filepath.Join(s.Root, sessionID, phaseName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cascade.ImageRef{}, fmt.Errorf("runtime: create image dir: %w", err)
	}
	dest := filepath.Join(dir, fmt.Sprintf("image_%d.%s", index, ext))

	if _, err := os.Stat(dest); err == nil {
		return cascade.ImageRef{PhaseName: phaseName, Index: index, Path: dest}, nil
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return cascade.ImageRef{}, fmt.Errorf("runtime: open image source %q: %w", srcPath, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return cascade.ImageRef{}, fmt.Errorf("runtime: create image dest %q: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return cascade.ImageRef{}, fmt.Errorf("runtime: copy image %q: %w", srcPath, err)
	}
	return cascade.ImageRef{PhaseName: phaseName, Index: index, Path: dest}, nil
}
