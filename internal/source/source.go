// Package source reads style reference images from a mood board: a PDF with
// one reference per page, a directory of images or a single image file.
package source

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	"golang.org/x/sync/errgroup"

	"github.com/ivlev/cineflow/internal/imaging"
)

// DefaultLimit is the most references attached to a drafting call.
const DefaultLimit = 4

type Source interface {
	Count() int
	Image(index int) (image.Image, error)
	Close() error
}

// Open picks the source for path by its type.
func Open(path string, dpi int) (Source, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return NewPDFSource(path, dpi)
	}
	return NewDirSource(path)
}

// PDFSource renders mood-board pages with MuPDF.
type PDFSource struct {
	doc  *fitz.Document
	path string
	dpi  int
}

func NewPDFSource(path string, dpi int) (*PDFSource, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", path, err)
	}
	if dpi <= 0 {
		dpi = 96
	}
	return &PDFSource{doc: doc, path: path, dpi: dpi}, nil
}

func (s *PDFSource) Count() int {
	return s.doc.NumPage()
}

// Image renders one page. Each call opens its own document so pages can be
// rendered concurrently.
func (s *PDFSource) Image(index int) (image.Image, error) {
	doc, err := fitz.New(s.path)
	if err != nil {
		return nil, err
	}
	defer doc.Close()
	return doc.ImageDPI(index, float64(s.dpi))
}

func (s *PDFSource) Close() error {
	return s.doc.Close()
}

// DirSource reads jpg and png files sorted by name.
type DirSource struct {
	paths []string
}

func NewDirSource(path string) (*DirSource, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return &DirSource{paths: []string{path}}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png":
			paths = append(paths, filepath.Join(path, entry.Name()))
		}
	}
	// os.ReadDir returns entries sorted by filename
	return &DirSource{paths: paths}, nil
}

func (s *DirSource) Count() int {
	return len(s.paths)
}

func (s *DirSource) Image(index int) (image.Image, error) {
	if index < 0 || index >= len(s.paths) {
		return nil, fmt.Errorf("image %d out of range", index)
	}
	f, err := os.Open(s.paths[index])
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.paths[index], err)
	}
	return img, nil
}

func (s *DirSource) Close() error {
	return nil
}

// LoadReferences returns the first limit images of src as bounded JPEG data
// URIs, in source order.
func LoadReferences(src Source, limit int, r imaging.Resizer) ([]string, error) {
	n := src.Count()
	if limit > 0 && n > limit {
		n = limit
	}
	refs := make([]string, n)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			img, err := src.Image(i)
			if err != nil {
				return fmt.Errorf("reference %d: %w", i+1, err)
			}
			uri, err := imaging.FromImage(img, r.MaxDimension, r.Quality)
			if err != nil {
				return fmt.Errorf("reference %d: %w", i+1, err)
			}
			refs[i] = uri
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}
