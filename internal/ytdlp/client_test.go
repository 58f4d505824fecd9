package ytdlp

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"videovault/internal/job"
	"videovault/internal/storage"
)

const sampleInfo = `{
	"title": "Sample clip",
	"formats": [
		{"format_id": "140", "format_note": "medium", "ext": "m4a", "vcodec": "none", "acodec": "mp4a.40.2", "filesize": 3145728},
		{"format_id": "137", "format_note": "1080p", "ext": "mp4", "height": 1080, "vcodec": "avc1.640028", "acodec": "none", "filesize_approx": 52428800},
		{"format_id": "sb0", "ext": "mhtml"},
		{"format_note": "no id"}
	]
}`

func TestParseInfo(t *testing.T) {
	res, err := ParseInfo([]byte(sampleInfo))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Title != "Sample clip" || len(res.Formats) != 3 {
		t.Fatalf("res = %+v", res)
	}

	audio, _ := res.Find("140")
	if audio.Type != "Audio" || audio.Filesize != 3145728 {
		t.Fatalf("audio = %+v", audio)
	}
	video, _ := res.Find("137")
	if video.Type != "Video" || video.Resolution != 1080 || video.Filesize != 52428800 {
		t.Fatalf("video = %+v", video)
	}
	sb, _ := res.Find("sb0")
	if sb.Quality != "N/A" || sb.VCodec != "none" || sb.Filesize != 0 {
		t.Fatalf("storyboard = %+v", sb)
	}

	if _, err := ParseInfo([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestFindOutputSkipsLeftovers(t *testing.T) {
	dir, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	r := New(dir, Options{})
	for _, name := range []string{"stem.f137.mp4", "stem.mp4.part", "stem.part", "stem.mp4"} {
		if err := os.WriteFile(filepath.Join(dir.Root(), name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	got, err := r.findOutput("stem")
	if err != nil || got != "stem.mp4" {
		t.Fatalf("findOutput = %q %v, want stem.mp4", got, err)
	}
	if _, err := r.findOutput("other"); err == nil {
		t.Fatalf("expected error for missing output")
	}
}

func TestLastLine(t *testing.T) {
	if got := lastLine("a\nERROR: boom\n\n"); got != "ERROR: boom" {
		t.Fatalf("lastLine = %q", got)
	}
	if got := lastLine(""); got != "no output" {
		t.Fatalf("lastLine empty = %q", got)
	}
}

const fakeYTDLP = `#!/bin/sh
echo "$*" >> "$(dirname "$0")/args.log"
case "$*" in
  *fail.example*) echo "ERROR: [generic] fail: Video unavailable" >&2; exit 1 ;;
  *--dump-single-json*)
    cat <<'JSON'
` + sampleInfo + `
JSON
    exit 0 ;;
esac
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o|--output) out="$2"; shift ;;
    --output=*) out="${1#--output=}" ;;
  esac
  shift
done
file=$(echo "$out" | sed 's/%(ext)s/mp3/')
printf data > "$file"
`

func newFakeRunner(t *testing.T, opts Options) (*Runner, *storage.Dir, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake needs a POSIX shell")
	}
	binDir := t.TempDir()
	bin := filepath.Join(binDir, "yt-dlp")
	if err := os.WriteFile(bin, []byte(fakeYTDLP), 0o755); err != nil {
		t.Fatalf("write fake: %v", err)
	}
	dir, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	opts.Binary = bin
	return New(dir, opts), dir, filepath.Join(binDir, "args.log")
}

func readArgs(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	return string(data)
}

func TestRunner_ResolveAndExecute(t *testing.T) {
	r, dir, argsLog := newFakeRunner(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := r.Resolve(ctx, job.Params{URL: "https://www.youtube.com/watch?v=abc123"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Title != "Sample clip" || len(res.Formats) != 3 {
		t.Fatalf("res = %+v", res)
	}

	art, err := r.Execute(ctx, job.Params{URL: "https://www.youtube.com/watch?v=abc123", AudioOnly: true}, func(job.Progress) {})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(art.Filename, "abc123_") || !strings.HasSuffix(art.Filename, ".mp3") || !dir.Exists(art.Filename) {
		t.Fatalf("artifact = %q", art.Filename)
	}

	args := readArgs(t, argsLog)
	for _, want := range []string{"bestaudio/best", "mp3", "https://www.youtube.com/watch?v=abc123"} {
		if !strings.Contains(args, want) {
			t.Fatalf("args %q missing %q", args, want)
		}
	}
}

func TestRunner_VideoCommand(t *testing.T) {
	cookies := filepath.Join(t.TempDir(), "cookies.txt")
	if err := os.WriteFile(cookies, []byte("# Netscape HTTP Cookie File\n"), 0o644); err != nil {
		t.Fatalf("write cookies: %v", err)
	}
	r, _, argsLog := newFakeRunner(t, Options{FFmpeg: "/opt/ffmpeg", CookiesPath: cookies})

	if _, err := r.Execute(context.Background(), job.Params{URL: "https://x.example/v", FormatID: "137"}, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	args := readArgs(t, argsLog)
	for _, want := range []string{"137+bestaudio/137/best", "mp4", "/opt/ffmpeg", cookies} {
		if !strings.Contains(args, want) {
			t.Fatalf("args %q missing %q", args, want)
		}
	}
}

func TestRunner_MissingCookiesFileIsSkipped(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.txt")
	r, _, argsLog := newFakeRunner(t, Options{CookiesPath: missing})

	if _, err := r.Resolve(context.Background(), job.Params{URL: "https://x.example/v"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if args := readArgs(t, argsLog); strings.Contains(args, missing) {
		t.Fatalf("args %q reference a missing cookies file", args)
	}
}

func TestRunner_ExecuteFailureKeepsToolMessage(t *testing.T) {
	r, dir, _ := newFakeRunner(t, Options{})
	_, err := r.Execute(context.Background(), job.Params{URL: "https://fail.example/v", AudioOnly: true}, nil)
	if err == nil || !strings.Contains(err.Error(), "ERROR: [generic] fail: Video unavailable") {
		t.Fatalf("err = %v", err)
	}
	entries, _ := os.ReadDir(dir.Root())
	if len(entries) != 0 {
		t.Fatalf("leftover files after failure: %d", len(entries))
	}
}

func TestRunner_ResolveFailureKeepsToolMessage(t *testing.T) {
	r, _, _ := newFakeRunner(t, Options{})
	_, err := r.Resolve(context.Background(), job.Params{URL: "https://fail.example/v"})
	if err == nil || !strings.Contains(err.Error(), "Video unavailable") {
		t.Fatalf("err = %v", err)
	}
}
