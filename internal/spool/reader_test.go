package spool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestReadFileNDJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "batch.ndjson", `{"product_id": "p1", "price": "100"}

{"product_id": "p2", "price": "250", "brand": "Acme"}
`)

	records, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("read %d records, want 2", len(records))
	}
	if records[0]["product_id"] != "p1" {
		t.Errorf("first record = %v", records[0])
	}
	if records[1]["brand"] != "Acme" {
		t.Errorf("second record = %v", records[1])
	}
}

func TestReadFileNDJSONBadLine(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "batch.jsonl", `{"product_id": "p1", "price": "100"}
{not json}
`)

	if _, err := ReadFile(path); err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestReadFileJSONShapes(t *testing.T) {
	dir := t.TempDir()

	array := writeFile(t, dir, "array.json", `[{"product_id": "p1", "price": 100}]`)
	records, err := ReadFile(array)
	if err != nil || len(records) != 1 {
		t.Fatalf("array form: %d records, err %v", len(records), err)
	}

	wrapped := writeFile(t, dir, "wrapped.json", `{"scraped_at": "2026-03-01", "products": [{"product_id": "p1", "price": 100}, {"product_id": "p2", "price": 200}]}`)
	records, err = ReadFile(wrapped)
	if err != nil || len(records) != 2 {
		t.Fatalf("wrapped form: %d records, err %v", len(records), err)
	}

	bare := writeFile(t, dir, "bare.json", `{"product_id": "p1"}`)
	if _, err := ReadFile(bare); err == nil {
		t.Fatal("expected error for object without products array")
	}

	if _, err := ReadFile(filepath.Join(dir, "notes.txt")); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.ndjson", "")
	writeFile(t, dir, "a.json", "[]")
	writeFile(t, dir, "notes.txt", "")
	if err := os.Mkdir(filepath.Join(dir, "sub.json"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	files, err := ListFiles(dir)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v, want a.json and b.ndjson", files)
	}
	if filepath.Base(files[0]) != "a.json" || filepath.Base(files[1]) != "b.ndjson" {
		t.Fatalf("files not in lexical order: %v", files)
	}
}

func TestArchive(t *testing.T) {
	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "done")

	first := writeFile(t, dir, "batch.ndjson", "{}")
	dest, err := Archive(first, archiveDir)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if filepath.Base(dest) != "batch.ndjson" {
		t.Fatalf("dest = %s", dest)
	}
	if _, err := os.Stat(first); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("source file still present after archive")
	}

	// Same name again: must not overwrite the archived copy.
	second := writeFile(t, dir, "batch.ndjson", "{}")
	dest2, err := Archive(second, archiveDir)
	if err != nil {
		t.Fatalf("Archive collision: %v", err)
	}
	if dest2 == dest {
		t.Fatalf("collision reused %s", dest)
	}
	if filepath.Base(dest2) != "batch.1.ndjson" {
		t.Fatalf("collision dest = %s, want batch.1.ndjson", dest2)
	}
}

func TestWatcherCatchesUpOnStart(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.ndjson", `{"product_id": "p1"}`)
	writeFile(t, dir, "b.ndjson", `{"product_id": "p2"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	watcher := NewWatcher(dir, 10*time.Millisecond, zerolog.Nop())
	err := watcher.Run(ctx, func(_ context.Context, paths []string) error {
		got = append(got, paths...)
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("catch-up delivered %v, want both files", got)
	}
}

func TestWatcherSeesNewFiles(t *testing.T) {
	dir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	delivered := make(chan []string, 1)
	watcher := NewWatcher(dir, 20*time.Millisecond, zerolog.Nop())
	done := make(chan error, 1)
	go func() {
		done <- watcher.Run(ctx, func(_ context.Context, paths []string) error {
			delivered <- paths
			return nil
		})
	}()

	// Give the watcher a moment to subscribe before dropping the file.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "late.ndjson", `{"product_id": "p1"}`)

	select {
	case paths := <-delivered:
		if len(paths) != 1 || filepath.Base(paths[0]) != "late.ndjson" {
			t.Fatalf("delivered %v", paths)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for watcher delivery")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
}
