package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"juke/peer/store"
)

func newTestLibrary(t *testing.T, dir string) *Library {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewLibrary(st, dir)
}

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	// Not a real audio file; tag reading fails and the title falls back to
	// the file name.
	if err := os.WriteFile(path, []byte("not really audio"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestScanIndexesSupportedFormats(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.mp3")
	writeFile(t, dir, "two.flac")
	writeFile(t, dir, "notes.txt") // ignored

	lib := newTestLibrary(t, dir)
	n, err := lib.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 2 {
		t.Errorf("indexed %d files, want 2", n)
	}

	tracks, err := lib.Tracks()
	if err != nil {
		t.Fatalf("tracks: %v", err)
	}
	titles := map[string]bool{}
	for _, tr := range tracks {
		titles[tr.Title] = true
	}
	if !titles["one"] || !titles["two"] {
		t.Errorf("titles = %v, want filename fallbacks", titles)
	}
}

func TestScanSkipsUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.mp3")

	lib := newTestLibrary(t, dir)
	if _, err := lib.Scan(context.Background()); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	n, err := lib.Scan(context.Background())
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if n != 1 {
		t.Errorf("second scan counted %d files, want 1", n)
	}
}

func TestScanEmptyDirIsNoop(t *testing.T) {
	lib := newTestLibrary(t, "")
	n, err := lib.Scan(context.Background())
	if err != nil || n != 0 {
		t.Errorf("scan of unset dir: n=%d err=%v", n, err)
	}
}

func TestTrackFromPathBuildsTrack(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "song.mp3")

	lib := newTestLibrary(t, dir)
	tr, err := lib.TrackFromPath(context.Background(), path, "aaaa1111")
	if err != nil {
		t.Fatalf("TrackFromPath: %v", err)
	}
	if tr.ID == "" {
		t.Error("no track id assigned")
	}
	if tr.Title != "song" {
		t.Errorf("title = %q, want filename fallback", tr.Title)
	}
	if tr.AddedBy != "aaaa1111" {
		t.Errorf("added_by = %q", tr.AddedBy)
	}
	if tr.FilePath != path {
		t.Errorf("file_path = %q, want %q", tr.FilePath, path)
	}

	// Two adds of the same file get distinct playlist identities.
	tr2, err := lib.TrackFromPath(context.Background(), path, "aaaa1111")
	if err != nil {
		t.Fatalf("second TrackFromPath: %v", err)
	}
	if tr2.ID == tr.ID {
		t.Error("track ids not unique per add")
	}
}

func TestTrackFromPathRejectsMissingAndUnsupported(t *testing.T) {
	dir := t.TempDir()
	lib := newTestLibrary(t, dir)

	if _, err := lib.TrackFromPath(context.Background(), filepath.Join(dir, "nope.mp3"), "x"); err == nil {
		t.Error("expected error for a missing file")
	}

	txt := writeFile(t, dir, "readme.txt")
	if _, err := lib.TrackFromPath(context.Background(), txt, "x"); err == nil {
		t.Error("expected error for an unsupported format")
	}
}

func TestResolvePrefersTrackPath(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "song.mp3")

	lib := newTestLibrary(t, dir)
	tr, err := lib.TrackFromPath(context.Background(), path, "x")
	if err != nil {
		t.Fatalf("TrackFromPath: %v", err)
	}

	got, _, err := lib.Resolve(tr)
	if err != nil || got != path {
		t.Errorf("Resolve = %q, err=%v", got, err)
	}
}

// A track queued by another peer carries that peer's path; it resolves
// through the local index by title.
func TestResolveFallsBackToTitleLookup(t *testing.T) {
	dir := t.TempDir()
	local := writeFile(t, dir, "song.mp3")

	lib := newTestLibrary(t, dir)
	if _, err := lib.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	remote := Track{ID: "r1", Title: "song", FilePath: "/somewhere/else/song.mp3", AddedBy: "peer"}
	got, _, err := lib.Resolve(remote)
	if err != nil || got != local {
		t.Errorf("Resolve = %q err=%v, want %q", got, err, local)
	}
}

func TestResolveFailsWhenNothingMatches(t *testing.T) {
	lib := newTestLibrary(t, t.TempDir())
	if _, _, err := lib.Resolve(track("tx", "Unknown")); err == nil {
		t.Error("expected resolve failure for unknown media")
	}
}
