package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
)

// KaraokeProcessor assembles a karaoke package from the separation and
// transcription outputs: a timestamped LRC lyric file, the instrumental
// stem, and a JSON descriptor. Assembly is pure Go and runs without any
// inference hardware.
type KaraokeProcessor struct {
	ffprobe string
}

func NewKaraokeProcessor() *KaraokeProcessor {
	return &KaraokeProcessor{ffprobe: "ffprobe"}
}

func (p *KaraokeProcessor) Name() string { return string(store.StageKaraoke) }
func (p *KaraokeProcessor) Stage() store.Stage { return store.StageKaraoke }
func (p *KaraokeProcessor) DefaultVariant() string { return "default" }
func (p *KaraokeProcessor) RequiresGPU() bool { return false }
func (p *KaraokeProcessor) Variants() []string { return []string{"default"} }

func (p *KaraokeProcessor) Dependencies() []store.Stage {
	return []store.Stage{store.StageSeparation, store.StageTranscription}
}

func (p *KaraokeProcessor) ExpectedOutputs(fileID, variant string, params map[string]any) []string {
	return []string{fileID + "_karaoke.lrc"}
}

// lyricLine is one rendered LRC line with its start offset in seconds.
type lyricLine struct {
	At   float64
	Text string
}

func (p *KaraokeProcessor) Process(ctx context.Context, req *Request) (*store.StageOutput, error) {
	sep := req.Dependencies[store.StageSeparation]
	if sep == nil {
		return nil, MissingDependency(store.StageKaraoke, store.StageSeparation)
	}
	trans := req.Dependencies[store.StageTranscription]
	if trans == nil {
		return nil, MissingDependency(store.StageKaraoke, store.StageTranscription)
	}

	req.Progress(20, "collecting stems and lyrics")

	instName := instrumentalName(sep)
	if instName == "" {
		return nil, MissingDependency(store.StageKaraoke, store.StageSeparation)
	}
	instPath, err := req.Store.StageFilePath(req.FileID, instName)
	if err != nil {
		return nil, fmt.Errorf("instrumental stem missing: %w", err)
	}

	text := transcriptText(req, trans)
	segments := coerceSegments(trans.Result["segments"])

	title, artist := req.FileID, "Unknown Artist"
	if rec, err := req.Store.ReadMetadata(req.FileID); err == nil {
		title, artist = rec.Title, rec.Artist
	}

	req.Progress(45, "timing lyrics")

	duration := p.trackDuration(ctx, instPath, segments)
	lines := lyricLines(text, segments, duration)
	lrc := buildLRC(title, artist, duration, lines)

	req.Progress(65, "assembling karaoke files")

	lrcName := req.FileID + "_karaoke.lrc"
	if _, err := req.Store.WriteStageFile(req.FileID, store.StageKaraoke, lrcName, []byte(lrc)); err != nil {
		return nil, fmt.Errorf("failed to write lyrics: %w", err)
	}

	copiedInst := req.FileID + "_instrumental" + filepath.Ext(instName)
	if _, err := req.Store.CopyIntoStage(req.FileID, store.StageKaraoke, copiedInst, instPath); err != nil {
		return nil, fmt.Errorf("failed to copy instrumental: %w", err)
	}

	descriptor := map[string]any{
		"file_id":          req.FileID,
		"title":            title,
		"artist":           artist,
		"duration_seconds": duration,
		"line_count":       len(lines),
		"lrc":              lrcName,
		"instrumental":     copiedInst,
		"created_at":       time.Now().UTC().Format(time.RFC3339),
	}
	encoded, err := json.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode karaoke descriptor: %w", err)
	}
	jsonName := req.FileID + "_karaoke.json"
	if _, err := req.Store.WriteStageFile(req.FileID, store.StageKaraoke, jsonName, encoded); err != nil {
		return nil, fmt.Errorf("failed to write karaoke descriptor: %w", err)
	}

	req.Progress(90, "karaoke package ready")
	slog.Info("Karaoke assembled", "file_id", req.FileID, "lines", len(lines),
		"duration_seconds", duration)

	return &store.StageOutput{
		FileID:  req.FileID,
		Stage:   store.StageKaraoke,
		Variant: req.Variant,
		Status:  store.StatusCompleted,
		Files:   []string{lrcName, copiedInst, jsonName},
		Result: map[string]any{
			"lrc":              lrcName,
			"instrumental":     copiedInst,
			"title":            title,
			"artist":           artist,
			"duration_seconds": duration,
			"line_count":       len(lines),
		},
	}, nil
}

// instrumentalName finds the no-vocals stem in a separation output.
func instrumentalName(sep *store.StageOutput) string {
	if name, ok := sep.Result["no_vocals"].(string); ok && name != "" {
		return name
	}
	for _, f := range sep.Files {
		if strings.HasPrefix(filepath.Base(f), "no_vocals") {
			return filepath.Base(f)
		}
	}
	return ""
}

// transcriptText pulls the lyric text from the transcription output,
// falling back to the transcript file on disk when the in-memory result
// carries none.
func transcriptText(req *Request, trans *store.StageOutput) string {
	if text, ok := trans.Result["text"].(string); ok && strings.TrimSpace(text) != "" {
		return text
	}
	for _, f := range trans.Files {
		base := filepath.Base(f)
		if !strings.HasSuffix(base, ".txt") {
			continue
		}
		path, err := req.Store.StageFilePath(req.FileID, base)
		if err != nil {
			continue
		}
		if raw, err := os.ReadFile(path); err == nil {
			return string(raw)
		}
	}
	return ""
}

// coerceSegments normalizes transcription segments that arrive either as
// typed structs from a fresh run or as decoded JSON from a cached one.
func coerceSegments(raw any) []whisperSegment {
	switch v := raw.(type) {
	case []whisperSegment:
		return v
	case []any:
		segs := make([]whisperSegment, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			seg := whisperSegment{
				Start: floatParam(m, "start", 0),
				End:   floatParam(m, "end", 0),
			}
			if t, ok := m["text"].(string); ok {
				seg.Text = t
			}
			segs = append(segs, seg)
		}
		return segs
	}
	return nil
}

// trackDuration probes the instrumental with ffprobe. When the probe fails
// the last segment end (plus a tail) or a bitrate estimate from the file
// size stands in, so assembly never blocks on a missing toolchain.
func (p *KaraokeProcessor) trackDuration(ctx context.Context, path string, segments []whisperSegment) float64 {
	output, err := runTool(ctx, p.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err == nil {
		if d, perr := strconv.ParseFloat(strings.TrimSpace(output), 64); perr == nil && d > 0 {
			return d
		}
	} else {
		slog.Debug("ffprobe unavailable, estimating duration", "error", err)
	}

	if n := len(segments); n > 0 {
		return segments[n-1].End + 2
	}
	if info, serr := os.Stat(path); serr == nil && info.Size() > 0 {
		// Rough 128 kbit/s estimate.
		if est := float64(info.Size()) / 16000; est > 1 {
			return est
		}
	}
	return 1
}

// lyricLines turns the transcript into timestamped lines. Segment timings
// win when present; otherwise plain text lines are spread uniformly across
// the track.
func lyricLines(text string, segments []whisperSegment, duration float64) []lyricLine {
	lines := make([]lyricLine, 0, len(segments))
	for _, seg := range segments {
		t := strings.TrimSpace(seg.Text)
		if t == "" {
			continue
		}
		lines = append(lines, lyricLine{At: seg.Start, Text: t})
	}
	if len(lines) > 0 {
		return lines
	}

	var raw []string
	for _, l := range strings.Split(text, "\n") {
		if t := strings.TrimSpace(l); t != "" {
			raw = append(raw, t)
		}
	}
	if len(raw) == 0 {
		return []lyricLine{{At: 0, Text: "♪ Instrumental ♪"}}
	}

	step := duration / float64(len(raw)+1)
	for i, t := range raw {
		lines = append(lines, lyricLine{At: step * float64(i+1), Text: t})
	}
	return lines
}

// buildLRC renders the standard LRC layout: tag header, blank line, then
// one [mm:ss.xx] stamped line per lyric.
func buildLRC(title, artist string, duration float64, lines []lyricLine) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[ti:%s]\n", title)
	fmt.Fprintf(&b, "[ar:%s]\n", artist)
	fmt.Fprintf(&b, "[length:%s]\n\n", formatLRCLength(duration))
	for _, line := range lines {
		fmt.Fprintf(&b, "%s%s\n", formatLRCTime(line.At), line.Text)
	}
	return b.String()
}

func formatLRCTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	mins := int(seconds) / 60
	rest := seconds - float64(mins*60)
	return fmt.Sprintf("[%02d:%05.2f]", mins, rest)
}

func formatLRCLength(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds + 0.5)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
