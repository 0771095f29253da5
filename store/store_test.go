package store

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, ok, err := s.GetSetting("missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}

	if err := s.SetSetting("volume", "0.8"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.GetSetting("volume")
	if err != nil || !ok || v != "0.8" {
		t.Fatalf("get: %q ok=%v err=%v", v, ok, err)
	}

	// Upsert overwrites.
	if err := s.SetSetting("volume", "0.5"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, _, _ = s.GetSetting("volume")
	if v != "0.5" {
		t.Errorf("after overwrite: %q", v)
	}

	all, err := s.GetAllSettings()
	if err != nil || all["volume"] != "0.5" {
		t.Errorf("all settings = %v, err=%v", all, err)
	}
}

func TestLibraryUpsertAndLookup(t *testing.T) {
	s := newTestStore(t)

	tr := LibraryTrack{
		Path:     "/music/song.mp3",
		Title:    "Song",
		Artist:   "Artist",
		Duration: 182.5,
		Size:     4_200_000,
		MTime:    1700000000,
	}
	if err := s.UpsertTrack(tr); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok, err := s.FindByPath("/music/song.mp3")
	if err != nil || !ok {
		t.Fatalf("find by path: ok=%v err=%v", ok, err)
	}
	if got != tr {
		t.Errorf("got %+v, want %+v", got, tr)
	}

	if _, ok, _ := s.FindByPath("/nope.mp3"); ok {
		t.Error("found a track that was never indexed")
	}

	// Re-upsert with refreshed metadata keeps a single row.
	tr.Duration = 190
	if err := s.UpsertTrack(tr); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	n, err := s.TrackCount()
	if err != nil || n != 1 {
		t.Fatalf("count = %d, err=%v", n, err)
	}
	got, _, _ = s.FindByPath("/music/song.mp3")
	if got.Duration != 190 {
		t.Errorf("duration not refreshed: %v", got.Duration)
	}
}

func TestFindByTitleArtist(t *testing.T) {
	s := newTestStore(t)

	for _, tr := range []LibraryTrack{
		{Path: "/a/one.mp3", Title: "One", Artist: "Alpha"},
		{Path: "/b/one.mp3", Title: "One", Artist: "Beta"},
		{Path: "/c/two.mp3", Title: "Two", Artist: "Alpha"},
	} {
		if err := s.UpsertTrack(tr); err != nil {
			t.Fatalf("upsert %s: %v", tr.Path, err)
		}
	}

	got, ok, err := s.FindByTitleArtist("One", "Beta")
	if err != nil || !ok || got.Path != "/b/one.mp3" {
		t.Errorf("title+artist lookup = %+v ok=%v err=%v", got, ok, err)
	}

	// Artistless lookup matches on title alone.
	got, ok, err = s.FindByTitleArtist("Two", "")
	if err != nil || !ok || got.Path != "/c/two.mp3" {
		t.Errorf("title lookup = %+v ok=%v err=%v", got, ok, err)
	}

	if _, ok, _ := s.FindByTitleArtist("Three", ""); ok {
		t.Error("matched a title that does not exist")
	}
}

func TestGetTracksOrderedByTitle(t *testing.T) {
	s := newTestStore(t)

	for _, tr := range []LibraryTrack{
		{Path: "/z.mp3", Title: "Zebra"},
		{Path: "/a.mp3", Title: "Aardvark"},
	} {
		if err := s.UpsertTrack(tr); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, err := s.GetTracks()
	if err != nil || len(got) != 2 {
		t.Fatalf("got %d tracks, err=%v", len(got), err)
	}
	if got[0].Title != "Aardvark" || got[1].Title != "Zebra" {
		t.Errorf("order = %s, %s", got[0].Title, got[1].Title)
	}
}

// Reopening a database applies no migration twice and keeps the data.
func TestMigrationsIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "juke.db")

	s1, err := New(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.SetSetting("k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := New(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	v, ok, err := s2.GetSetting("k")
	if err != nil || !ok || v != "v" {
		t.Errorf("persisted setting = %q ok=%v err=%v", v, ok, err)
	}
}

func TestBackupCopiesDatabase(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "juke.db")
	dst := filepath.Join(dir, "backup.db")

	s, err := New(src)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.SetSetting("k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := s.Backup(dst); err != nil {
		t.Fatalf("backup: %v", err)
	}

	b, err := New(dst)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer b.Close()
	v, ok, err := b.GetSetting("k")
	if err != nil || !ok || v != "v" {
		t.Errorf("backup setting = %q ok=%v err=%v", v, ok, err)
	}
}
