package job

import (
	"context"
	"fmt"
)

// Format is one downloadable rendition reported by a Runner.
type Format struct {
	ID         string `json:"format_id"`
	Quality    string `json:"quality"`
	Ext        string `json:"ext"`
	Resolution int    `json:"resolution,omitempty"`
	VCodec     string `json:"vcodec"`
	ACodec     string `json:"acodec"`
	Type       string `json:"type"` // "Audio" or "Video"
	Filesize   int64  `json:"filesize,omitempty"`
}

// IsAudioOnly reports whether the format carries no video stream.
func (f Format) IsAudioOnly() bool {
	return f.VCodec == "" || f.VCodec == "none"
}

// HasAudio reports whether the format carries an audio stream.
func (f Format) HasAudio() bool {
	return f.ACodec != "" && f.ACodec != "none"
}

// Resolution is the result of inspecting a URL.
type Resolution struct {
	Title   string   `json:"title"`
	Formats []Format `json:"formats"`
}

// Find returns the format with the given id.
func (r Resolution) Find(id string) (Format, bool) {
	for _, f := range r.Formats {
		if f.ID == id {
			return f, true
		}
	}
	return Format{}, false
}

// BestAudio returns the largest audio-only format.
func (r Resolution) BestAudio() (Format, bool) {
	var best Format
	found := false
	for _, f := range r.Formats {
		if !f.IsAudioOnly() || !f.HasAudio() {
			continue
		}
		if !found || f.Filesize > best.Filesize {
			best = f
			found = true
		}
	}
	return best, found
}

// TotalSize estimates the number of bytes a job with p will transfer.
// Zero means the size could not be determined.
func (r Resolution) TotalSize(p Params) int64 {
	if p.FormatID == "" {
		if best, ok := r.BestAudio(); ok && p.AudioOnly {
			return best.Filesize
		}
		return 0
	}
	f, ok := r.Find(p.FormatID)
	if !ok {
		return 0
	}
	total := f.Filesize
	if total > 0 && !p.AudioOnly && !f.HasAudio() && !f.IsAudioOnly() {
		// video-only formats are merged with the best audio stream
		if best, ok := r.BestAudio(); ok {
			total += best.Filesize
		}
	}
	return total
}

// Stage identifies which part of a run a Progress report belongs to.
type Stage string

const (
	StageDownloading Stage = "downloading"
	StageProcessing  Stage = "processing"
)

// Progress is an immutable report emitted by a Runner while executing.
type Progress struct {
	Stage   Stage
	Percent float64 // 0..100 within the stage
}

// ProgressFunc receives progress reports. It must not be retained after
// Execute returns.
type ProgressFunc func(Progress)

// Artifact is the output of a successful run.
type Artifact struct {
	// Filename is relative to the download directory.
	Filename string
}

// Runner performs the actual extraction and transfer for a job.
type Runner interface {
	Resolve(ctx context.Context, p Params) (Resolution, error)
	Execute(ctx context.Context, p Params, progress ProgressFunc) (Artifact, error)
}

type muxRoute struct {
	match  func(rawURL string) bool
	runner Runner
}

// MuxRunner picks a Runner per job based on its URL.
type MuxRunner struct {
	routes   []muxRoute
	fallback Runner
}

// NewMuxRunner returns a MuxRunner that uses fallback when no route matches.
func NewMuxRunner(fallback Runner) *MuxRunner {
	return &MuxRunner{fallback: fallback}
}

// Handle routes URLs accepted by match to r. Routes are tried in order.
func (m *MuxRunner) Handle(match func(rawURL string) bool, r Runner) {
	m.routes = append(m.routes, muxRoute{match: match, runner: r})
}

func (m *MuxRunner) pick(p Params) (Runner, error) {
	for _, rt := range m.routes {
		if rt.match(p.URL) {
			return rt.runner, nil
		}
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("no runner for %q", p.URL)
	}
	return m.fallback, nil
}

func (m *MuxRunner) Resolve(ctx context.Context, p Params) (Resolution, error) {
	r, err := m.pick(p)
	if err != nil {
		return Resolution{}, err
	}
	return r.Resolve(ctx, p)
}

func (m *MuxRunner) Execute(ctx context.Context, p Params, progress ProgressFunc) (Artifact, error) {
	r, err := m.pick(p)
	if err != nil {
		return Artifact{}, err
	}
	return r.Execute(ctx, p, progress)
}
