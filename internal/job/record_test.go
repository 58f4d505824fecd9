package job

import (
	"testing"
	"time"
)

func TestCanTransition_AllowsForwardPaths(t *testing.T) {
	cases := []struct {
		from Status
		to   Status
	}{
		{StatusWaiting, StatusActive},
		{StatusWaiting, StatusFailed},
		{StatusActive, StatusCompleted},
		{StatusActive, StatusFailed},
		{StatusActive, StatusActive},
	}
	for _, tc := range cases {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be allowed", tc.from, tc.to)
		}
	}
}

func TestCanTransition_RejectsBackwardPaths(t *testing.T) {
	cases := []struct {
		from Status
		to   Status
	}{
		{StatusActive, StatusWaiting},
		{StatusWaiting, StatusCompleted},
		{StatusCompleted, StatusFailed},
		{StatusCompleted, StatusCompleted},
		{StatusFailed, StatusActive},
		{"bogus", StatusActive},
	}
	for _, tc := range cases {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be rejected", tc.from, tc.to)
		}
	}
}

func TestRecordApply_TerminalIsFrozen(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := &Record{ID: "a", Status: StatusWaiting, Position: 3}

	if !rec.apply(activeDelta("Starting"), now) {
		t.Fatalf("waiting -> active rejected")
	}
	if rec.Position != 0 {
		t.Fatalf("position = %d, want 0 once active", rec.Position)
	}
	if !rec.apply(completedDelta("clip.mp4", "Download completed"), now) {
		t.Fatalf("active -> completed rejected")
	}
	if !rec.FinishedAt.Equal(now) {
		t.Fatalf("finished_at = %v, want %v", rec.FinishedAt, now)
	}

	if rec.apply(progressDelta(50, "late"), now) {
		t.Fatalf("update applied to a completed record")
	}
	if rec.apply(failedDelta("late failure"), now) {
		t.Fatalf("completed record moved to failed")
	}
	if rec.Progress != 100 || rec.Message != "Download completed" {
		t.Fatalf("terminal record changed: progress=%v message=%q", rec.Progress, rec.Message)
	}
}

func TestRecordApply_ClampsProgress(t *testing.T) {
	rec := &Record{Status: StatusActive}
	rec.apply(progressDelta(250, "x"), time.Now())
	if rec.Progress != 100 {
		t.Fatalf("progress = %v, want 100", rec.Progress)
	}
	rec.apply(progressDelta(-7, "x"), time.Now())
	if rec.Progress != -1 {
		t.Fatalf("progress = %v, want -1", rec.Progress)
	}
}

func TestSnapshot_FilenameOnlyOnSuccess(t *testing.T) {
	rec := &Record{ID: "a", Status: StatusActive}
	if s := rec.Snapshot(); s.Filename != nil || s.Completed {
		t.Fatalf("active snapshot = %+v, want no filename and not completed", s)
	}

	rec.apply(completedDelta("clip.mp4", "Download completed"), time.Now())
	s := rec.Snapshot()
	if s.Filename == nil || *s.Filename != "clip.mp4" {
		t.Fatalf("filename = %v, want clip.mp4", s.Filename)
	}
	if !s.Completed || s.Error {
		t.Fatalf("completed=%v error=%v, want true false", s.Completed, s.Error)
	}

	failed := &Record{ID: "b", Status: StatusActive}
	failed.apply(failedDelta("boom"), time.Now())
	fs := failed.Snapshot()
	if !fs.Error || fs.Progress != -1 || fs.Completed {
		t.Fatalf("failed snapshot = %+v", fs)
	}
}
