package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// MetadataFilename is the per-file upload record inside the output directory.
const MetadataFilename = "metadata.json"

// UploadRecord is the persisted metadata for one uploaded track. Exactly one
// record exists per file_id, stored as metadata.json in its output directory.
type UploadRecord struct {
	FileID             string    `json:"file_id"`
	OriginalFilename   string    `json:"original_filename"`
	SanitizedFilename  string    `json:"sanitized_filename"`
	Title              string    `json:"title"`
	Artist             string    `json:"artist"`
	SizeBytes          int64     `json:"size_bytes"`
	Extension          string    `json:"extension"`
	UploadTime         time.Time `json:"upload_time"`
	ContentFingerprint string    `json:"content_fingerprint"`
}

// StageOutput statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// StageOutput is the result of one stage run for one file. Completed outputs
// are never stored directly; they are reconstructed from marker files.
type StageOutput struct {
	FileID  string         `json:"file_id"`
	Stage   Stage          `json:"stage"`
	Variant string         `json:"variant,omitempty"`
	Status  string         `json:"status"`
	Files   []string       `json:"files"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`

	// Skipped marks a cache hit: the markers already existed and the
	// processor was not invoked. ExistingOutput names the satisfied marker.
	Skipped        bool   `json:"skipped,omitempty"`
	ExistingOutput string `json:"existing_output,omitempty"`
}

// WriteMetadata persists the upload record atomically.
func (s *Store) WriteMetadata(rec *UploadRecord) error {
	if !validSegment(rec.FileID) {
		return fmt.Errorf("invalid file id %q", rec.FileID)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	dir := s.OutputDirFor(rec.FileID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	if _, err := writeFileAtomic(dir, MetadataFilename, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write metadata for %s: %w", rec.FileID, err)
	}
	return nil
}

// ReadMetadata loads the upload record for a file_id. Returns ErrNotFound
// if the file_id is unknown.
func (s *Store) ReadMetadata(fileID string) (*UploadRecord, error) {
	if !validSegment(fileID) {
		return nil, ErrNotFound
	}
	path := filepath.Join(s.OutputDirFor(fileID), MetadataFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read metadata for %s: %w", fileID, err)
	}
	var rec UploadRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", fileID, err)
	}
	return &rec, nil
}

// IterUploads scans every metadata.json under the output directory and
// returns the records, newest first. Corrupt entries are logged and skipped
// so one bad file cannot hide the rest of the library.
func (s *Store) IterUploads() []*UploadRecord {
	matches, err := filepath.Glob(filepath.Join(s.outputDir, "*", MetadataFilename))
	if err != nil {
		slog.Warn("Failed to scan output dir", "error", err)
		return nil
	}
	records := make([]*UploadRecord, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Failed to read metadata", "path", path, "error", err)
			continue
		}
		var rec UploadRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			slog.Warn("Skipping corrupt metadata", "path", path, "error", err)
			continue
		}
		if rec.FileID == "" {
			rec.FileID = filepath.Base(filepath.Dir(path))
		}
		records = append(records, &rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UploadTime.After(records[j].UploadTime)
	})
	return records
}

// ReadStageOutput reconstructs a completed StageOutput from the marker files
// on disk. Returns ErrNotFound when the stage has not completed.
func (s *Store) ReadStageOutput(fileID string, stage Stage) (*StageOutput, error) {
	patterns, ok := markerPatterns[stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	complete, _ := s.MarkersPresent(fileID, stage, patterns)
	if !complete {
		return nil, ErrNotFound
	}

	files := s.ListStageFiles(fileID, stage)
	out := &StageOutput{
		FileID: fileID,
		Stage:  stage,
		Status: StatusCompleted,
		Files:  files,
		Result: map[string]any{},
	}
	out.Variant = variantFromMarkers(stage, files)
	s.populateResult(out)
	return out, nil
}

// populateResult fills StageOutput.Result from the artifacts themselves.
func (s *Store) populateResult(out *StageOutput) {
	dir := s.stageDirFor(out.FileID, out.Stage)
	switch out.Stage {
	case StageSeparation:
		for _, f := range out.Files {
			switch {
			case strings.HasPrefix(f, "no_vocals."):
				out.Result["no_vocals"] = f
			case strings.HasPrefix(f, "vocals."):
				out.Result["vocals"] = f
			}
		}
	case StageTranscription:
		for _, f := range out.Files {
			if strings.HasSuffix(f, ".txt") {
				if data, err := os.ReadFile(filepath.Join(dir, f)); err == nil {
					out.Result["text"] = strings.TrimSpace(string(data))
				}
			}
			if strings.HasSuffix(f, ".json") {
				mergeJSONFile(filepath.Join(dir, f), out.Result)
			}
		}
	case StageAnalysis, StagePitch:
		for _, f := range out.Files {
			if strings.HasSuffix(f, ".json") {
				mergeJSONFile(filepath.Join(dir, f), out.Result)
			}
		}
	case StageGeneration:
		if len(out.Files) > 0 {
			out.Result["file"] = out.Files[0]
		}
	case StageKaraoke:
		for _, f := range out.Files {
			switch {
			case strings.HasSuffix(f, ".lrc"):
				out.Result["lrc"] = f
			case strings.Contains(f, "_instrumental."):
				out.Result["instrumental"] = f
			case strings.HasSuffix(f, ".json"):
				mergeJSONFile(filepath.Join(dir, f), out.Result)
			}
		}
	}
}

func mergeJSONFile(path string, into map[string]any) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		slog.Warn("Skipping unreadable result file", "path", path, "error", err)
		return
	}
	for k, v := range parsed {
		into[k] = v
	}
}

// variantFromMarkers recovers the model variant from marker filenames where
// the naming scheme encodes it.
func variantFromMarkers(stage Stage, files []string) string {
	for _, f := range files {
		switch stage {
		case StageTranscription:
			if strings.HasPrefix(f, "transcription_") && strings.HasSuffix(f, ".txt") {
				return strings.TrimSuffix(strings.TrimPrefix(f, "transcription_"), ".txt")
			}
		case StagePitch:
			if strings.HasPrefix(f, "pitch_analysis_") && strings.HasSuffix(f, ".json") {
				return strings.TrimSuffix(strings.TrimPrefix(f, "pitch_analysis_"), ".json")
			}
		case StageGeneration:
			if strings.HasPrefix(f, "generated_") && strings.HasSuffix(f, ".wav") {
				return strings.TrimSuffix(strings.TrimPrefix(f, "generated_"), ".wav")
			}
		case StageAnalysis:
			if strings.HasPrefix(f, "analysis_") && strings.HasSuffix(f, ".json") {
				rest := strings.TrimSuffix(strings.TrimPrefix(f, "analysis_"), ".json")
				if idx := strings.LastIndex(rest, "_"); idx > 0 {
					return rest[:idx]
				}
				return rest
			}
		case StageKaraoke:
			return "default"
		}
	}
	return ""
}
