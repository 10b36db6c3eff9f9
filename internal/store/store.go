package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when a file_id or artifact name has no backing file.
var ErrNotFound = errors.New("not found")

// Stage identifies one processing step in the pipeline.
type Stage string

const (
	StageSeparation    Stage = "separation"
	StageTranscription Stage = "transcription"
	StageAnalysis      Stage = "analysis"
	StageGeneration    Stage = "generation"
	StagePitch         Stage = "pitch"
	StageKaraoke       Stage = "karaoke"
)

// AllStages returns every known stage in pipeline order.
func AllStages() []Stage {
	return []Stage{
		StageSeparation,
		StageTranscription,
		StageAnalysis,
		StageGeneration,
		StagePitch,
		StageKaraoke,
	}
}

// ParseStage validates a stage name from the wire.
func ParseStage(name string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range AllStages() {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", name)
}

// markerPatterns lists the glob patterns whose matches signal stage
// completion, independent of which variant produced them. Every pattern must
// match at least one file for the stage to count as complete (separation
// needs both vocals and the instrumental).
var markerPatterns = map[Stage][]string{
	StageSeparation:    {"vocals.*", "no_vocals.*"},
	StageTranscription: {"transcription_*.txt"},
	StageAnalysis:      {"analysis_*.json"},
	StagePitch:         {"pitch_analysis_*.json"},
	StageGeneration:    {"generated_*.wav"},
	StageKaraoke:       {"*_karaoke.lrc"},
}

// extraFilePatterns lists sidecar artifacts a stage produces beyond its
// completion markers. They show up in file listings but play no part in the
// cache check.
var extraFilePatterns = map[Stage][]string{
	StageTranscription: {"transcription_*.json"},
	StageKaraoke:       {"*_instrumental.*", "*_karaoke.json"},
}

// DeleteReport lists what a delete removed and what it could not.
type DeleteReport struct {
	Deleted  []string `json:"deleted"`
	Warnings []string `json:"warnings"`
}

// Store owns the on-disk artifact layout:
//
//	<uploadDir>/<file_id>.<ext>              original uploads
//	<outputDir>/<file_id>/metadata.json      upload record
//	<outputDir>/<file_id>/<stage files>      stage outputs
//	<outputDir>/<karaokeSubdir>/<file_id>/   karaoke outputs
//
// All path composition goes through the store; callers never build paths.
type Store struct {
	uploadDir     string
	outputDir     string
	karaokeSubdir string
}

// New creates a store over the given directories. Call EnsureDirs before use.
func New(uploadDir, outputDir, karaokeSubdir string) *Store {
	return &Store{
		uploadDir:     uploadDir,
		outputDir:     outputDir,
		karaokeSubdir: karaokeSubdir,
	}
}

// EnsureDirs creates the base directory tree.
func (s *Store) EnsureDirs() error {
	for _, dir := range []string{s.uploadDir, s.outputDir, filepath.Join(s.outputDir, s.karaokeSubdir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// UploadDir returns the source-file directory.
func (s *Store) UploadDir() string { return s.uploadDir }

// OutputDirFor returns the per-file artifact directory.
func (s *Store) OutputDirFor(fileID string) string {
	return filepath.Join(s.outputDir, fileID)
}

// KaraokeDirFor returns the per-file karaoke output directory.
func (s *Store) KaraokeDirFor(fileID string) string {
	return filepath.Join(s.outputDir, s.karaokeSubdir, fileID)
}

// stageDirFor picks the directory a stage writes into.
func (s *Store) stageDirFor(fileID string, stage Stage) string {
	if stage == StageKaraoke {
		return s.KaraokeDirFor(fileID)
	}
	return s.OutputDirFor(fileID)
}

// UploadPath returns the path of the original upload for a known extension.
func (s *Store) UploadPath(fileID, ext string) string {
	return filepath.Join(s.uploadDir, fileID+"."+strings.TrimPrefix(ext, "."))
}

// FindUpload locates the original upload regardless of extension.
func (s *Store) FindUpload(fileID string) (string, error) {
	if !validSegment(fileID) {
		return "", ErrNotFound
	}
	matches, err := filepath.Glob(filepath.Join(s.uploadDir, fileID+".*"))
	if err != nil {
		return "", fmt.Errorf("failed to scan upload dir: %w", err)
	}
	if len(matches) == 0 {
		return "", ErrNotFound
	}
	sort.Strings(matches)
	return matches[0], nil
}

// WriteUpload streams the source file into the upload directory. The write
// is atomic: data lands in a temp file and is renamed into place.
func (s *Store) WriteUpload(fileID string, r io.Reader, ext string) (string, error) {
	if !validSegment(fileID) {
		return "", fmt.Errorf("invalid file id %q", fileID)
	}
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload dir: %w", err)
	}
	return writeFileAtomic(s.uploadDir, filepath.Base(s.UploadPath(fileID, ext)), r)
}

// RemoveUpload deletes the original source file, if present.
func (s *Store) RemoveUpload(fileID string) {
	path, err := s.FindUpload(fileID)
	if err != nil {
		return
	}
	if err := os.Remove(path); err != nil {
		slog.Warn("Failed to remove upload", "file_id", fileID, "path", path, "error", err)
	}
}

// WriteStageFile atomically writes one stage artifact and returns its path.
// Used by processors so partial writes never become visible.
func (s *Store) WriteStageFile(fileID string, stage Stage, name string, data []byte) (string, error) {
	if !validSegment(fileID) || !validSegment(name) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	dir := s.stageDirFor(fileID, stage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create stage dir: %w", err)
	}
	return writeFileAtomic(dir, name, bytes.NewReader(data))
}

// CopyIntoStage atomically copies an existing file into a stage directory
// under the given name. Used for artifacts too large to hold in memory.
func (s *Store) CopyIntoStage(fileID string, stage Stage, name, srcPath string) (string, error) {
	if !validSegment(fileID) || !validSegment(name) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to open source: %w", err)
	}
	defer src.Close()

	dir := s.stageDirFor(fileID, stage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create stage dir: %w", err)
	}
	return writeFileAtomic(dir, name, src)
}

// writeFileAtomic writes to a temp file in dir and renames it over name, so
// readers only ever observe complete artifacts.
func writeFileAtomic(dir, name string, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	final := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to finalize %s: %w", name, err)
	}
	return final, nil
}

// MarkersPresent checks the given glob patterns inside the stage's directory.
// Complete means every pattern matched at least once. Returned names are
// relative to the stage directory, deduplicated and sorted.
func (s *Store) MarkersPresent(fileID string, stage Stage, patterns []string) (bool, []string) {
	dir := s.stageDirFor(fileID, stage)
	seen := make(map[string]bool)
	complete := len(patterns) > 0
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil || len(matches) == 0 {
			complete = false
			continue
		}
		for _, m := range matches {
			seen[filepath.Base(m)] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return complete, names
}

// StageComplete reports whether a stage's marker files exist for the file,
// regardless of which variant produced them.
func (s *Store) StageComplete(fileID string, stage Stage) bool {
	patterns, ok := markerPatterns[stage]
	if !ok {
		return false
	}
	complete, _ := s.MarkersPresent(fileID, stage, patterns)
	return complete
}

// ListStageFiles returns the stage's artifact filenames (markers plus
// sidecars), relative to the stage directory.
func (s *Store) ListStageFiles(fileID string, stage Stage) []string {
	patterns, ok := markerPatterns[stage]
	if !ok {
		return nil
	}
	patterns = append(append([]string{}, patterns...), extraFilePatterns[stage]...)
	_, names := s.MarkersPresent(fileID, stage, patterns)
	return names
}

// StageFilePath resolves a stage artifact by name under the per-file output
// directory. Rejects traversal attempts and absent files with ErrNotFound.
func (s *Store) StageFilePath(fileID, name string) (string, error) {
	return s.resolveFile(s.OutputDirFor(fileID), fileID, name)
}

// KaraokeFilePath resolves a karaoke artifact by name.
func (s *Store) KaraokeFilePath(fileID, name string) (string, error) {
	return s.resolveFile(s.KaraokeDirFor(fileID), fileID, name)
}

func (s *Store) resolveFile(dir, fileID, name string) (string, error) {
	if !validSegment(fileID) || !validSegment(name) {
		return "", ErrNotFound
	}
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", ErrNotFound
	}
	return path, nil
}

// RemoveStageOutputs deletes files matching the given patterns in the
// stage's directory. Used to clean up after a failed processor run; files
// belonging to other stages are untouched.
func (s *Store) RemoveStageOutputs(fileID string, stage Stage, patterns []string) {
	dir := s.stageDirFor(fileID, stage)
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil {
				slog.Warn("Failed to remove partial output", "file_id", fileID, "stage", stage, "path", m, "error", err)
			} else {
				slog.Info("Removed partial output", "file_id", fileID, "stage", stage, "path", m)
			}
		}
	}
}

// Delete removes every artifact for a file across all subtrees: the original
// upload, the output directory, and the karaoke directory. Best-effort and
// idempotent; failures are reported, never raised.
func (s *Store) Delete(fileID string) DeleteReport {
	report := DeleteReport{Deleted: []string{}, Warnings: []string{}}
	if !validSegment(fileID) {
		return report
	}

	if path, err := s.FindUpload(fileID); err == nil {
		removePath(path, &report)
	}
	s.removeTree(s.OutputDirFor(fileID), &report)
	s.removeTree(s.KaraokeDirFor(fileID), &report)
	return report
}

// removeTree deletes every file under root, then the directories themselves.
func (s *Store) removeTree(root string, report *DeleteReport) {
	entries, err := os.ReadDir(root)
	if err != nil {
		// Absent directory is not a failure; deletion is idempotent.
		return
	}
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if entry.IsDir() {
			s.removeTree(path, report)
			continue
		}
		removePath(path, report)
	}
	if err := os.Remove(root); err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %v", root, err))
	}
}

func removePath(path string, report *DeleteReport) {
	if err := os.Remove(path); err != nil {
		slog.Warn("Failed to delete artifact", "path", path, "error", err)
		report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %v", path, err))
		return
	}
	report.Deleted = append(report.Deleted, path)
}

// validSegment rejects names that could escape the directory they belong in.
func validSegment(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}
