package ytdlp

import (
	"net/url"
	"path"
	"strings"
	"sync"

	ytdl "github.com/lrstanley/go-ytdlp"

	"videovault/internal/job"
)

// progressTracker turns yt-dlp progress updates into job.Progress reports. A
// video job downloads two streams (video, then audio); each stream covers
// an equal share of the download stage. Once post-processing has started,
// download updates are ignored.
type progressTracker struct {
	mu      sync.Mutex
	parts   int
	part    int
	file    string
	last    float64
	report  job.ProgressFunc
	process bool
}

func newProgressTracker(parts int, report job.ProgressFunc) *progressTracker {
	if parts < 1 {
		parts = 1
	}
	return &progressTracker{parts: parts, report: report}
}

func (t *progressTracker) update(u ytdl.ProgressUpdate) {
	if t.report == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.process {
		return
	}
	switch u.Status {
	case ytdl.ProgressStatusPostProcessing:
		t.process = true
		t.report(job.Progress{Stage: job.StageProcessing, Percent: 0})
		return
	case ytdl.ProgressStatusDownloading, ytdl.ProgressStatusFinished:
	default:
		return
	}

	if u.Filename != "" && u.Filename != t.file {
		t.file = u.Filename
		if t.part < t.parts {
			t.part++
		}
	}
	if u.TotalBytes <= 0 {
		return
	}
	pct := float64(u.DownloadedBytes) / float64(u.TotalBytes) * 100
	if pct > 100 {
		pct = 100
	}
	part := t.part
	if part < 1 {
		part = 1
	}
	overall := (float64(part-1)*100 + pct) / float64(t.parts)
	if overall < t.last {
		return
	}
	t.last = overall
	t.report(job.Progress{Stage: job.StageDownloading, Percent: overall})
}

// mediaID derives a short file name stem from a media URL: the v= query
// value for watch pages, otherwise the last path element.
func mediaID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "media"
	}
	if v := u.Query().Get("v"); v != "" {
		return v
	}
	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	if base == "." || base == "/" || base == "" {
		return u.Hostname()
	}
	return strings.TrimSuffix(base, path.Ext(base))
}
