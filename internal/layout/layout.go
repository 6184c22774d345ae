// Package layout maps source ids to their directories on disk.
package layout

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/streamvisor/internal/store"
)

const (
	streamDir   = "stream"
	recordDir   = "record"
	aiClipDir   = "ai"
	snapshotDir = "snapshot"

	HLSIndexName    = "stream.m3u8"
	SnapshotName    = "s.jpeg"
	RecordTimestamp = "%Y-%m-%d-%H-%M-%S"
)

type Layout struct {
	Root string
}

// Paths are the resolved output locations of one source.
type Paths struct {
	StreamDir    string
	HLSIndex     string
	RecordDir    string
	AIClipDir    string
	SnapshotDir  string
	SnapshotFile string
}

func New(root string) Layout { return Layout{Root: root} }

func (l Layout) root(src *store.Source) string {
	if src != nil && src.RootDir != "" {
		return src.RootDir
	}
	return l.Root
}

func (l Layout) StreamDir(src *store.Source) string {
	return filepath.Join(l.root(src), streamDir, src.ID)
}

func (l Layout) HLSIndexPath(src *store.Source) string {
	return filepath.Join(l.StreamDir(src), HLSIndexName)
}

func (l Layout) RecordDir(src *store.Source) string {
	return filepath.Join(l.root(src), recordDir, src.ID)
}

// AIClipDir lives under the recording directory of the source.
func (l Layout) AIClipDir(src *store.Source) string {
	return filepath.Join(l.RecordDir(src), aiClipDir)
}

func (l Layout) SnapshotPath(src *store.Source) string {
	return filepath.Join(l.root(src), snapshotDir, src.ID, SnapshotName)
}

// RecordPattern is the strftime output pattern of the segment muxer.
func (l Layout) RecordPattern(src *store.Source) string {
	ext := src.RecordFileType
	if ext == "" {
		ext = "mp4"
	}
	return filepath.Join(l.RecordDir(src), RecordTimestamp+"."+ext)
}

func (l Layout) Resolve(src *store.Source) Paths {
	return Paths{
		StreamDir:    l.StreamDir(src),
		HLSIndex:     l.HLSIndexPath(src),
		RecordDir:    l.RecordDir(src),
		AIClipDir:    l.AIClipDir(src),
		SnapshotDir:  filepath.Dir(l.SnapshotPath(src)),
		SnapshotFile: l.SnapshotPath(src),
	}
}

// Ensure creates every directory of p.
func (p Paths) Ensure() error {
	for _, d := range []string{p.StreamDir, p.RecordDir, p.AIClipDir, p.SnapshotDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// RemoveHLS deletes the playlist and segments written for a source.
func (p Paths) RemoveHLS() error {
	entries, err := os.ReadDir(p.StreamDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".m3u8" && ext != ".ts") {
			continue
		}
		if err := os.Remove(filepath.Join(p.StreamDir, e.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
