package ffmpeg

import (
	"strings"
	"testing"
)

func TestArgs(t *testing.T) {
	video := strings.Join(Args("in.ts", "out.mp4", false), " ")
	if video != "-y -hide_banner -loglevel error -i in.ts -c:v copy -c:a aac -threads 4 out.mp4" {
		t.Fatalf("video args = %q", video)
	}
	audio := strings.Join(Args("in.ts", "out.mp3", true), " ")
	if audio != "-y -hide_banner -loglevel error -i in.ts -vn -c:a libmp3lame -q:a 2 out.mp3" {
		t.Fatalf("audio args = %q", audio)
	}
}

func TestNewDefaultsBinary(t *testing.T) {
	if got := New("").bin; got != "ffmpeg" {
		t.Fatalf("bin = %q, want ffmpeg", got)
	}
	if New("/definitely/not/here/ffmpeg").Available() {
		t.Fatalf("missing binary reported available")
	}
}
