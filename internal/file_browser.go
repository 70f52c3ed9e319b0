package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp"}

// FileItem is one row of the attachment picker.
type FileItem struct {
	Name  string
	Path  string
	IsDir bool
	Size  int64
}

// fileBrowser picks an image to attach to the open thread.
type fileBrowser struct {
	path  string
	items []FileItem
	index int
}

func (b *fileBrowser) open(path string) error {
	items, err := browseDirectory(path)
	if err != nil {
		return err
	}
	b.path = path
	b.items = items
	b.index = 0
	return nil
}

func (b *fileBrowser) move(delta int) {
	if len(b.items) == 0 {
		return
	}
	b.index = min(max(b.index+delta, 0), len(b.items)-1)
}

func (b *fileBrowser) current() (FileItem, bool) {
	if b.index < 0 || b.index >= len(b.items) {
		return FileItem{}, false
	}
	return b.items[b.index], true
}

// browseDirectory lists subdirectories and image files of path
func browseDirectory(path string) ([]FileItem, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	items := make([]FileItem, 0, len(entries)+1)

	if parent := filepath.Dir(path); parent != path {
		items = append(items, FileItem{
			Name:  "..",
			Path:  parent,
			IsDir: true,
		})
	}

	for _, entry := range entries {
		// Skip hidden files
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !entry.IsDir() && !isImageName(entry.Name()) {
			continue
		}

		item := FileItem{
			Name:  entry.Name(),
			Path:  filepath.Join(path, entry.Name()),
			IsDir: entry.IsDir(),
		}
		if !entry.IsDir() {
			if info, err := entry.Info(); err == nil {
				item.Size = info.Size()
			}
		}
		items = append(items, item)
	}

	// Sort: directories first, then files, both alphabetically
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Name == ".." || items[j].Name == ".." {
			return items[i].Name == ".."
		}
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return items[i].Name < items[j].Name
	})

	return items, nil
}

func isImageName(name string) bool {
	return lo.Contains(imageExtensions, strings.ToLower(filepath.Ext(name)))
}

// getDefaultBrowsePath returns a sensible starting directory for the picker
func getDefaultBrowsePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		picturesPath := filepath.Join(home, "Pictures")
		if _, err := os.Stat(picturesPath); err == nil {
			return picturesPath
		}
		downloadsPath := filepath.Join(home, "Downloads")
		if _, err := os.Stat(downloadsPath); err == nil {
			return downloadsPath
		}
		return home
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// formatFileSize returns a human-readable file size
func formatFileSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
