package raster

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

var pageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

func isPageFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return pageExtensions[strings.ToLower(filepath.Ext(name))]
}

// pageSource lists page images in reading order and opens them
type pageSource interface {
	Len() int
	Name(index int) string
	Open(index int) (io.ReadCloser, error)
	Close() error
}

type dirSource struct {
	root  string
	names []string
}

func openDir(root string) (*dirSource, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read document directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && isPageFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return &dirSource{root: root, names: names}, nil
}

func (s *dirSource) Len() int              { return len(s.names) }
func (s *dirSource) Name(index int) string { return s.names[index] }

func (s *dirSource) Open(index int) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.root, s.names[index]))
}

func (s *dirSource) Close() error { return nil }

type zipSource struct {
	reader *zip.ReadCloser
	files  []*zip.File
}

func openZip(path string) (*zipSource, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open page archive: %w", err)
	}

	var files []*zip.File
	for _, f := range reader.File {
		if f.FileInfo().IsDir() || !isPageFile(f.Name) {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return &zipSource{reader: reader, files: files}, nil
}

func (s *zipSource) Len() int              { return len(s.files) }
func (s *zipSource) Name(index int) string { return s.files[index].Name }

func (s *zipSource) Open(index int) (io.ReadCloser, error) {
	return s.files[index].Open()
}

func (s *zipSource) Close() error {
	return s.reader.Close()
}
