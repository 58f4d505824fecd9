package ytdlp

import (
	"context"
	"os/exec"
	"strings"

	ytdl "github.com/lrstanley/go-ytdlp"
)

// DependencyReport says which external tools were found.
type DependencyReport struct {
	YTDLPFound   bool   `json:"yt_dlp_found"`
	YTDLPPath    string `json:"yt_dlp_path,omitempty"`
	YTDLPVersion string `json:"yt_dlp_version,omitempty"`
	FFmpegFound  bool   `json:"ffmpeg_found"`
	FFmpegPath   string `json:"ffmpeg_path,omitempty"`
}

// DependencyStatus looks up the yt-dlp and ffmpeg binaries.
func DependencyStatus(ctx context.Context, ytdlpBin, ffmpegBin string) DependencyReport {
	report := DependencyReport{}
	if path, err := exec.LookPath(ytdlpBin); err == nil {
		report.YTDLPFound = true
		report.YTDLPPath = path
		result, err := ytdl.New().SetExecutable(path).Version(ctx)
		if err == nil {
			report.YTDLPVersion = strings.TrimSpace(result.Stdout)
		}
	}
	if path, err := exec.LookPath(ffmpegBin); err == nil {
		report.FFmpegFound = true
		report.FFmpegPath = path
	}
	return report
}
