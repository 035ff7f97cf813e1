// Package loader reads local files into pages of text.
package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/xhad/ouragboros/internal/models"
)

var ErrUnsupportedFile = errors.New("unsupported file")

type Config struct {
	// MaxFileSize skips larger files. Zero disables the limit.
	MaxFileSize int64
	Logger      *zap.Logger
}

type Loader struct {
	config Config
	logger *zap.Logger
}

func New(config Config) *Loader {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{config: config, logger: logger}
}

// Load reads a file, or every readable file below a directory.
func (l *Loader) Load(ctx context.Context, path string) ([]models.Page, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return l.LoadFile(path)
	}

	var pages []models.Page
	err = filepath.WalkDir(path, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && filePath != path {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		filePages, err := l.LoadFile(filePath)
		if err != nil {
			l.logger.Warn("Skipping file", zap.String("file", filePath), zap.Error(err))
			return nil
		}
		pages = append(pages, filePages...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", path, err)
	}

	return pages, nil
}

func (l *Loader) LoadFile(path string) ([]models.Page, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	return l.LoadReader(path, f, info.Size())
}

// LoadReader reads size bytes of r as the file called name.
func (l *Loader) LoadReader(name string, r io.ReaderAt, size int64) ([]models.Page, error) {
	if l.config.MaxFileSize > 0 && size > l.config.MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrUnsupportedFile, name, size, l.config.MaxFileSize)
	}

	if strings.EqualFold(filepath.Ext(name), ".pdf") {
		return l.loadPDF(name, r, size)
	}
	return l.loadText(name, r, size)
}

func (l *Loader) loadText(name string, r io.ReaderAt, size int64) ([]models.Page, error) {
	data, err := io.ReadAll(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return nil, fmt.Errorf("%w: %s is not text", ErrUnsupportedFile, name)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}

	return []models.Page{{
		Source:     name,
		Title:      strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)),
		PageNumber: 1,
		Text:       text,
	}}, nil
}

func (l *Loader) loadPDF(name string, r io.ReaderAt, size int64) ([]models.Page, error) {
	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to create PDF reader: %w", err)
	}

	title := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	var pages []models.Page
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			l.logger.Warn("Failed to extract text from page",
				zap.String("file", name), zap.Int("page", i), zap.Error(err))
			continue
		}
		text = strings.TrimSpace(strings.ToValidUTF8(text, ""))
		if text == "" {
			continue
		}

		pages = append(pages, models.Page{
			Source:     name,
			Title:      title,
			PageNumber: i,
			Text:       text,
		})
	}

	return pages, nil
}
