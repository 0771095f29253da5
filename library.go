package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/google/uuid"

	"juke/peer/store"
)

// supportedFormats lists the audio file extensions indexed by a scan.
var supportedFormats = []string{".mp3", ".wav", ".flac", ".aac", ".ogg"}

func isSupportedFormat(ext string) bool {
	lower := strings.ToLower(ext)
	for _, f := range supportedFormats {
		if lower == f {
			return true
		}
	}
	return false
}

// Library resolves playlist tracks to local media files. It owns the SQLite
// index of the node's media directory; tracks queued by other peers resolve
// by title/artist against the local index, since file paths differ per host.
type Library struct {
	st  *store.Store
	dir string
}

func NewLibrary(st *store.Store, dir string) *Library {
	return &Library{st: st, dir: dir}
}

// Scan walks the media directory and (re-)indexes every supported audio
// file. Tag-read failures fall back to filename-derived titles; probe
// failures leave the duration at zero. Returns the number of files indexed.
func (l *Library) Scan(ctx context.Context) (int, error) {
	if l.dir == "" {
		return 0, nil
	}
	indexed := 0
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !isSupportedFormat(filepath.Ext(path)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}

		entry := store.LibraryTrack{
			Path:  path,
			Title: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Size:  info.Size(),
			MTime: info.ModTime().Unix(),
		}

		// Skip unchanged files already in the index.
		if existing, ok, err := l.st.FindByPath(path); err == nil && ok &&
			existing.Size == entry.Size && existing.MTime == entry.MTime {
			indexed++
			return nil
		}

		readTags(&entry)
		entry.Duration = probeDuration(ctx, path)

		if err := l.st.UpsertTrack(entry); err != nil {
			log.Printf("[library] index %s: %v", path, err)
			return nil
		}
		indexed++
		return nil
	})
	if err != nil {
		return indexed, fmt.Errorf("scan %s: %w", l.dir, err)
	}
	return indexed, nil
}

// readTags fills title and artist from the file's embedded tags when
// present.
func readTags(entry *store.LibraryTrack) {
	f, err := os.Open(entry.Path)
	if err != nil {
		return
	}
	defer f.Close()
	m, err := tag.ReadFrom(f)
	if err != nil {
		return
	}
	if m.Title() != "" {
		entry.Title = m.Title()
	}
	if m.Artist() != "" {
		entry.Artist = m.Artist()
	}
}

// probeDuration asks ffprobe for the track length in seconds; 0 when
// ffprobe is unavailable or the file cannot be parsed.
func probeDuration(ctx context.Context, path string) float64 {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(probeCtx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// TrackFromPath builds a playlist Track for a local file, indexing it on the
// fly if the scan has not seen it yet.
func (l *Library) TrackFromPath(ctx context.Context, path, addedBy string) (Track, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return Track{}, fmt.Errorf("no media file at %q", path)
	}
	if !isSupportedFormat(filepath.Ext(abs)) {
		return Track{}, fmt.Errorf("unsupported format %q", filepath.Ext(abs))
	}

	entry, ok, err := l.st.FindByPath(abs)
	if err != nil || !ok {
		entry = store.LibraryTrack{
			Path:  abs,
			Title: strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs)),
			Size:  info.Size(),
			MTime: info.ModTime().Unix(),
		}
		readTags(&entry)
		entry.Duration = probeDuration(ctx, abs)
		if err := l.st.UpsertTrack(entry); err != nil {
			log.Printf("[library] index %s: %v", abs, err)
		}
	}

	return Track{
		ID:        uuid.NewString(),
		Title:     entry.Title,
		Artist:    entry.Artist,
		FilePath:  abs,
		AddedBy:   addedBy,
		Timestamp: time.Now().Unix(),
	}, nil
}

// Resolve maps a playlist track to a playable local path and its duration.
// The track's own path wins when it exists on this host; otherwise the local
// index is searched by title and artist.
func (l *Library) Resolve(t Track) (path string, duration float64, err error) {
	if t.FilePath != "" {
		if info, statErr := os.Stat(t.FilePath); statErr == nil && !info.IsDir() {
			if entry, ok, _ := l.st.FindByPath(t.FilePath); ok {
				return t.FilePath, entry.Duration, nil
			}
			return t.FilePath, 0, nil
		}
	}
	if entry, ok, findErr := l.st.FindByTitleArtist(t.Title, t.Artist); findErr == nil && ok {
		if info, statErr := os.Stat(entry.Path); statErr == nil && !info.IsDir() {
			return entry.Path, entry.Duration, nil
		}
	}
	return "", 0, fmt.Errorf("no local media for %q by %q", t.Title, t.Artist)
}

// Tracks returns the full local index.
func (l *Library) Tracks() ([]store.LibraryTrack, error) {
	return l.st.GetTracks()
}
