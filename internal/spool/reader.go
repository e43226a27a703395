// Package spool reads scraped snapshot files from drop directories and
// watches for new ones.
package spool

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pricetrack/internal/product"
)

// Scraper lines can carry large embedded descriptions.
const maxLineBytes = 1 << 20

// ReadFile parses one spool file into raw records. NDJSON files carry one
// JSON object per line with blank lines ignored; .json files carry either
// a top-level array or an object with a "products" array.
func ReadFile(path string) ([]product.Raw, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ndjson", ".jsonl":
		return readLines(path)
	case ".json":
		return readDocument(path)
	default:
		return nil, fmt.Errorf("unsupported spool file type: %s", filepath.Base(path))
	}
}

func readLines(path string) ([]product.Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spool file: %w", err)
	}
	defer f.Close()

	var records []product.Raw
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var raw product.Raw
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filepath.Base(path), line, err)
		}
		records = append(records, raw)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return records, nil
}

func readDocument(path string) ([]product.Raw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spool file: %w", err)
	}

	var records []product.Raw
	if err := json.Unmarshal(data, &records); err == nil {
		return records, nil
	}

	var doc struct {
		Products []product.Raw `json:"products"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if doc.Products == nil {
		return nil, fmt.Errorf("parse %s: neither an array nor a products object", filepath.Base(path))
	}
	return doc.Products, nil
}

// ListFiles returns the spool files directly under dir in lexical order,
// so files named by capture time replay in order. Subdirectories and
// foreign file types are ignored.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !isSpoolFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}

// Archive moves a processed spool file into archiveDir, creating it on
// demand. Name collisions get a numeric suffix instead of overwriting.
func Archive(path, archiveDir string) (string, error) {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	dest := filepath.Join(archiveDir, base)
	for i := 1; ; i++ {
		if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
			break
		}
		dest = filepath.Join(archiveDir, fmt.Sprintf("%s.%d%s", stem, i, ext))
	}

	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("archive %s: %w", base, err)
	}
	return dest, nil
}

func isSpoolFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".ndjson", ".jsonl", ".json":
		return true
	default:
		return false
	}
}
