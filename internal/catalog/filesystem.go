// Package catalog implements a minimal filesystem-backed domain.MediaCatalog
// (§6): a mediaId resolves to a source file found directly under Root. It
// exists so the CLI has something concrete to wire the engine against;
// production deployments are expected to swap in a catalog backed by their
// own media library.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rpaschoal/jithls/internal/domain"
)

// Prober is the narrow collaborator used to fill in resolution/duration/fps
// on first lookup. *probe.Prober satisfies this.
type Prober interface {
	Analyze(ctx context.Context, path string) (domain.MediaAnalysis, error)
}

// Filesystem resolves mediaId to any file named "<mediaId>.<ext>" directly
// under Root, probing it on every lookup. The engine's metadata cache keeps
// this off the hot path after the first request for a given mediaId.
type Filesystem struct {
	Root   string
	Prober Prober
}

// NewFilesystem returns a Filesystem catalog rooted at root.
func NewFilesystem(root string, prober Prober) *Filesystem {
	return &Filesystem{Root: root, Prober: prober}
}

// FindMedia implements domain.MediaCatalog.
func (f *Filesystem) FindMedia(ctx context.Context, mediaID string) (domain.SourceMedia, error) {
	matches, err := filepath.Glob(filepath.Join(f.Root, mediaID+".*"))
	if err != nil || len(matches) == 0 {
		return domain.SourceMedia{}, fmt.Errorf("%w: no source file for media %q under %s", domain.ErrNotFound, mediaID, f.Root)
	}

	path := matches[0]
	if _, statErr := os.Stat(path); statErr != nil {
		return domain.SourceMedia{}, fmt.Errorf("%w: %v", domain.ErrNotFound, statErr)
	}

	analysis, err := f.Prober.Analyze(ctx, path)
	if err != nil {
		return domain.SourceMedia{}, err
	}

	return domain.SourceMedia{
		FilePath:   path,
		Width:      analysis.Width,
		Height:     analysis.Height,
		Duration:   analysis.Duration,
		VideoCodec: analysis.VideoCodec,
		AudioCodec: analysis.AudioCodec,
		FPS:        analysis.FPS,
	}, nil
}
