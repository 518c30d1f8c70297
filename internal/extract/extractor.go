// Package extract turns document files into plain text and hands it to a worker, which then
// owns the text and never lets it leave.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrUnsupportedFormat is returned for file extensions no extractor handles.
var ErrUnsupportedFormat = errors.New("unsupported document format")

type extractFunc func(content []byte) (string, error)

var extractors = map[string]extractFunc{
	".txt":  extractPlain,
	".md":   extractPlain,
	".rst":  extractPlain,
	".pdf":  extractPDF,
	".docx": extractDOCX,
	".xlsx": extractExcel,
}

// Extensions lists the supported extensions in sorted order.
func Extensions() []string {
	out := make([]string, 0, len(extractors))
	for ext := range extractors {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Supported reports whether files named like path can be extracted.
func Supported(path string) bool {
	_, ok := extractors[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Registrar is where ingested text goes. *worker.Worker and transport clients implement it.
type Registrar interface {
	RegisterText(ctx context.Context, text string) (string, error)
}

// Ingested records one file handed to a worker.
type Ingested struct {
	Path  string `json:"path"`
	ID    string `json:"id"`
	Runes int    `json:"runes"`
}

// Extractor extracts plain text from document files.
type Extractor struct {
	maxBytes int64
	logger   *zap.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxBytes skips files larger than n bytes.
func WithMaxBytes(n int64) Option {
	return func(e *Extractor) { e.maxBytes = n }
}

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// NewExtractor returns a new Extractor.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Extract reads the file at path and returns its text content.
func (e *Extractor) Extract(path string) (string, error) {
	if e.maxBytes > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("stat file: %w", err)
		}
		if info.Size() > e.maxBytes {
			return "", fmt.Errorf("%s is %d bytes, limit %d", path, info.Size(), e.maxBytes)
		}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, filepath.Ext(path))
}

// ExtractBytes extracts text from content based on the given extension, which includes the
// leading dot (e.g. ".pdf").
func (e *Extractor) ExtractBytes(content []byte, ext string) (string, error) {
	fn, ok := extractors[strings.ToLower(ext)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return fn(content)
}

// Ingest extracts every supported file under paths (files or directories, walked
// recursively) and registers its text on r. Files that fail are skipped and their errors
// combined; unsupported files in directories are ignored.
func (e *Extractor) Ingest(ctx context.Context, r Registrar, paths ...string) ([]Ingested, error) {
	var files []string
	var errs error
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && Supported(path) {
				files = append(files, path)
			}
			return nil
		})
		errs = multierr.Append(errs, err)
	}

	out := make([]Ingested, 0, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return out, multierr.Append(errs, err)
		}
		text, err := e.Extract(path)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		id, err := r.RegisterText(ctx, text)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("register %s: %w", path, err))
			continue
		}
		e.logger.Debug("file ingested", zap.String("path", path), zap.String("id", id))
		out = append(out, Ingested{Path: path, ID: id, Runes: len([]rune(text))})
	}
	return out, errs
}
