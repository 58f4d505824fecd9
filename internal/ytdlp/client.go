// Package ytdlp runs jobs through the yt-dlp command line tool, with ffmpeg
// doing the merge and audio extraction steps.
package ytdlp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	ytdl "github.com/lrstanley/go-ytdlp"

	"videovault/internal/job"
	"videovault/internal/storage"
)

// progressInterval bounds how often yt-dlp progress reaches the job.
const progressInterval = 250 * time.Millisecond

// Options configures a Runner.
type Options struct {
	Binary      string
	FFmpeg      string
	CookiesPath string
	Logger      *slog.Logger
}

// Runner implements job.Runner on top of yt-dlp.
type Runner struct {
	bin     string
	ffmpeg  string
	cookies string
	dir     *storage.Dir
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a Runner writing into dir.
func New(dir *storage.Dir, opts Options) *Runner {
	r := &Runner{
		bin:     opts.Binary,
		ffmpeg:  opts.FFmpeg,
		cookies: strings.TrimSpace(opts.CookiesPath),
		dir:     dir,
		logger:  opts.Logger,
		now:     time.Now,
	}
	if r.bin == "" {
		r.bin = "yt-dlp"
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

type rawInfo struct {
	Title   string      `json:"title"`
	Formats []rawFormat `json:"formats"`
}

type rawFormat struct {
	FormatID       string   `json:"format_id"`
	FormatNote     string   `json:"format_note"`
	Ext            string   `json:"ext"`
	Height         *int     `json:"height"`
	VCodec         string   `json:"vcodec"`
	ACodec         string   `json:"acodec"`
	Filesize       *float64 `json:"filesize"`
	FilesizeApprox *float64 `json:"filesize_approx"`
}

// ParseInfo converts yt-dlp's single-JSON dump into a job.Resolution.
func ParseInfo(data []byte) (job.Resolution, error) {
	var info rawInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return job.Resolution{}, fmt.Errorf("decode yt-dlp output: %w", err)
	}
	res := job.Resolution{Title: info.Title}
	for _, f := range info.Formats {
		if f.FormatID == "" {
			continue
		}
		vcodec := f.VCodec
		if vcodec == "" {
			vcodec = "none"
		}
		quality := f.FormatNote
		if quality == "" {
			quality = "N/A"
		}
		out := job.Format{
			ID:       f.FormatID,
			Quality:  quality,
			Ext:      f.Ext,
			VCodec:   vcodec,
			ACodec:   f.ACodec,
			Type:     "Video",
			Filesize: firstPositive(f.Filesize, f.FilesizeApprox),
		}
		if f.Height != nil {
			out.Resolution = *f.Height
		}
		if out.IsAudioOnly() {
			out.Type = "Audio"
		}
		res.Formats = append(res.Formats, out)
	}
	return res, nil
}

func firstPositive(values ...*float64) int64 {
	for _, v := range values {
		if v != nil && *v > 0 {
			return int64(*v)
		}
	}
	return 0
}

// command returns a yt-dlp invocation with the settings shared by every call.
func (r *Runner) command() *ytdl.Command {
	dl := ytdl.New().
		SetExecutable(r.bin).
		NoPlaylist()
	if r.cookies == "" {
		return dl
	}
	if _, err := os.Stat(r.cookies); err != nil {
		r.logger.Warn("cookies file unavailable", "path", r.cookies, "error", err)
		return dl
	}
	return dl.Cookies(r.cookies)
}

// Resolve lists the formats available for p.URL.
func (r *Runner) Resolve(ctx context.Context, p job.Params) (job.Resolution, error) {
	dl := r.command().
		DumpSingleJSON().
		NoWarnings()

	result, err := dl.Run(ctx, p.URL)
	if err != nil {
		return job.Resolution{}, toolError(ctx, result, err)
	}
	if strings.TrimSpace(result.Stdout) == "" {
		return job.Resolution{}, fmt.Errorf("yt-dlp returned empty output")
	}
	return ParseInfo([]byte(result.Stdout))
}

// Execute downloads p into the download directory and returns the file name.
func (r *Runner) Execute(ctx context.Context, p job.Params, progress job.ProgressFunc) (job.Artifact, error) {
	kind := "video"
	if p.AudioOnly {
		kind = "audio"
	}
	stem := storage.Stem(mediaID(p.URL), kind+"_"+uuid.NewString()[:8], r.now())

	tracker := newProgressTracker(partsFor(p), progress)
	dl := r.downloadCommand(p, stem)
	dl.ProgressFunc(progressInterval, tracker.update)

	result, err := dl.Run(ctx, p.URL)
	if err != nil {
		r.cleanup(stem)
		return job.Artifact{}, toolError(ctx, result, err)
	}
	r.logger.Debug("yt-dlp finished", "url", p.URL, "stem", stem)

	name, err := r.findOutput(stem)
	if err != nil {
		return job.Artifact{}, err
	}
	return job.Artifact{Filename: name}, nil
}

func (r *Runner) downloadCommand(p job.Params, stem string) *ytdl.Command {
	dl := r.command().
		ForceOverwrites().
		Output(filepath.Join(r.dir.Root(), stem+".%(ext)s"))
	if r.ffmpeg != "" {
		dl = dl.FFmpegLocation(r.ffmpeg)
	}
	if p.AudioOnly {
		format := "bestaudio/best"
		if p.FormatID != "" {
			format = p.FormatID
		}
		return dl.Format(format).ExtractAudio().AudioFormat("mp3")
	}
	return dl.Format(selectFormat(p.FormatID)).MergeOutputFormat("mp4")
}

// selectFormat pairs the chosen format with the best audio stream, falling
// back to the format alone when it already carries audio.
func selectFormat(formatID string) string {
	return formatID + "+bestaudio/" + formatID + "/best"
}

func partsFor(p job.Params) int {
	if p.AudioOnly {
		return 1
	}
	return 2
}

// toolError keeps yt-dlp's own ERROR: line, which is what the user sees.
func toolError(ctx context.Context, result *ytdl.Result, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if result == nil {
		return fmt.Errorf("yt-dlp failed: %w", err)
	}
	return fmt.Errorf("yt-dlp failed: %w: %s", err, lastLine(result.Stderr))
}

func (r *Runner) findOutput(stem string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir.Root(), stem+".*"))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		base := filepath.Base(m)
		rest := strings.TrimPrefix(base, stem+".")
		if strings.Contains(rest, ".") {
			// per-stream leftovers such as <stem>.f137.mp4 or <stem>.mp4.part
			continue
		}
		switch rest {
		case "part", "ytdl", "temp":
			continue
		}
		return base, nil
	}
	return "", fmt.Errorf("%w: no output for %s", job.ErrArtifactMissing, stem)
}

func (r *Runner) cleanup(stem string) {
	matches, _ := filepath.Glob(filepath.Join(r.dir.Root(), stem+".*"))
	for _, m := range matches {
		if err := r.dir.Remove(filepath.Base(m)); err != nil {
			r.logger.Debug("cleanup failed", "file", m, "error", err)
		}
	}
}

// lastLine returns the last non-empty line, which is where yt-dlp puts its
// ERROR: message.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return "no output"
}
