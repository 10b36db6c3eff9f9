// Package upload admits new tracks into the library: validation, duplicate
// detection, metadata extraction and the optional auto-process kickoff.
package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/config"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/runner"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
)

// UnsupportedTypeError rejects a file whose extension is not in the allow
// list.
type UnsupportedTypeError struct {
	Extension string
	Allowed   []string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported file type %q, allowed: %s", e.Extension, strings.Join(e.Allowed, ", "))
}

// TooLargeError rejects a file over the size limit.
type TooLargeError struct {
	Size  int64
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("file of %d bytes exceeds the %d byte limit", e.Size, e.Limit)
}

// DuplicateError rejects a re-upload of a song already in the library. It
// carries the existing record so the client can reuse it.
type DuplicateError struct {
	FileID   string
	Filename string
}

func (e *DuplicateError) Error() string {
	return "Song already exists"
}

// Request is one incoming upload.
type Request struct {
	RequestID string
	Filename  string
	Size      int64
	Body      io.Reader

	// Title and Artist override the values parsed from the filename.
	Title  string
	Artist string

	// AutoProcess overrides the configured default; nil keeps it. Model
	// narrows the auto chain to a single stage.
	AutoProcess *bool
	Model       string
}

// Result is a successful admission.
type Result struct {
	Record             *store.UploadRecord
	AutoProcessStarted bool
	Chain              []string
}

// Pipeline owns upload admission. The fingerprint scan and the metadata
// write happen under one lock so concurrent duplicates cannot both get in.
type Pipeline struct {
	cfg    *config.Config
	store  *store.Store
	runner *runner.Runner
	mu     sync.Mutex
}

// New builds the pipeline. runner may be nil when auto-processing is not
// wanted, for example in tests.
func New(cfg *config.Config, st *store.Store, r *runner.Runner) *Pipeline {
	return &Pipeline{cfg: cfg, store: st, runner: r}
}

// Upload validates and stores one incoming file. On success the effective
// processing chain starts in the background; the returned record is
// already durable at that point.
func (p *Pipeline) Upload(ctx context.Context, req *Request) (*Result, error) {
	ext := strings.ToLower(filepath.Ext(req.Filename))
	if !p.cfg.ExtensionAllowed(ext) {
		return nil, &UnsupportedTypeError{Extension: ext, Allowed: p.cfg.AllowedExtensions}
	}
	if req.Size > p.cfg.MaxUploadBytes {
		return nil, &TooLargeError{Size: req.Size, Limit: p.cfg.MaxUploadBytes}
	}

	fingerprint := Fingerprint(req.Filename)

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, rec := range p.store.IterUploads() {
		if rec.ContentFingerprint == fingerprint {
			slog.Info("Duplicate upload rejected", "filename", req.Filename, "existing_file_id", rec.FileID)
			return nil, &DuplicateError{FileID: rec.FileID, Filename: rec.OriginalFilename}
		}
	}

	fileID := uuid.NewString()

	// The declared size can lie, so cap the copy one byte past the limit
	// and measure what actually landed.
	written, path, err := p.writeCapped(fileID, ext, req.Body)
	if err != nil {
		return nil, err
	}

	title, artist := ParseTitleArtist(req.Filename)
	if req.Title != "" {
		title = req.Title
	}
	if req.Artist != "" {
		artist = req.Artist
	}

	rec := &store.UploadRecord{
		FileID:             fileID,
		OriginalFilename:   req.Filename,
		SanitizedFilename:  SanitizeFilename(req.Filename),
		Title:              title,
		Artist:             artist,
		SizeBytes:          written,
		Extension:          ext,
		UploadTime:         time.Now().UTC(),
		ContentFingerprint: fingerprint,
	}
	if err := p.store.WriteMetadata(rec); err != nil {
		p.store.RemoveUpload(fileID)
		return nil, fmt.Errorf("failed to write upload metadata: %w", err)
	}

	slog.Info("Upload accepted", "file_id", fileID, "filename", req.Filename,
		"title", title, "artist", artist, "size_bytes", written, "path", path)

	chain := p.effectiveChain(req)
	auto := false
	if p.runner != nil && len(chain) > 0 {
		auto = true
		go p.runner.RunChain(context.WithoutCancel(ctx), fileID, req.RequestID, chain)
		slog.Info("Auto-process chain started", "file_id", fileID, "chain", chain)
	}

	return &Result{Record: rec, AutoProcessStarted: auto, Chain: chain}, nil
}

// effectiveChain resolves the stages to run after this upload.
func (p *Pipeline) effectiveChain(req *Request) []string {
	if req.AutoProcess != nil && !*req.AutoProcess {
		return nil
	}
	if req.Model != "" {
		return []string{req.Model}
	}
	return append([]string(nil), p.cfg.AutoProcessChain...)
}

// writeCapped streams the upload to disk, enforcing the size limit against
// the bytes actually received.
func (p *Pipeline) writeCapped(fileID, ext string, src io.Reader) (int64, string, error) {
	limited := io.LimitReader(src, p.cfg.MaxUploadBytes+1)
	path, err := p.store.WriteUpload(fileID, limited, ext)
	if err != nil {
		return 0, "", fmt.Errorf("failed to store upload: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		p.store.RemoveUpload(fileID)
		return 0, "", fmt.Errorf("failed to stat upload: %w", err)
	}
	if info.Size() > p.cfg.MaxUploadBytes {
		p.store.RemoveUpload(fileID)
		return 0, "", &TooLargeError{Size: info.Size(), Limit: p.cfg.MaxUploadBytes}
	}
	return info.Size(), path, nil
}

// Fingerprint normalizes a filename for duplicate detection: lowercase with
// whitespace runs collapsed. Same song, different spacing or casing, same
// fingerprint.
func Fingerprint(filename string) string {
	return strings.Join(strings.Fields(strings.ToLower(filename)), " ")
}

var bracketRe = regexp.MustCompile(`\([^)]*\)|\[[^\]]*\]|\{[^}]*\}`)

// ParseTitleArtist extracts display metadata from an "Artist - Title"
// style filename. Bracketed qualifiers like "(Official Video)" are
// dropped first.
func ParseTitleArtist(filename string) (title, artist string) {
	name := filepath.Base(filename)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = bracketRe.ReplaceAllString(name, " ")
	name = strings.Join(strings.Fields(name), " ")

	if idx := strings.Index(name, " - "); idx > 0 {
		artist = strings.TrimSpace(name[:idx])
		title = strings.TrimSpace(name[idx+3:])
	} else {
		title = name
	}
	if artist == "" {
		artist = "Unknown Artist"
	}
	if title == "" {
		title = "Unknown Title"
	}
	return title, artist
}

// SanitizeFilename reduces a client-supplied filename to a safe flat name:
// no path components, hostile characters replaced.
func SanitizeFilename(filename string) string {
	name := filepath.Base(filename)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	name = strings.Trim(name, "._")
	if name == "" {
		return "upload"
	}
	return name
}
