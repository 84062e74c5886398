package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckTools(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "ffmpeg")
	if err := os.WriteFile(present, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}

	results := CheckTools([]Tool{
		{Name: "ffmpeg", Command: present},
		{Name: "yt-dlp", Command: "avcorpus-missing-yt-dlp"},
		{Name: "ffprobe", Command: " "},
	})
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Err != nil || results[0].Path != present {
		t.Errorf("present tool = %+v", results[0])
	}
	if results[1].Err == nil || !strings.Contains(results[1].Err.Error(), "avcorpus-missing-yt-dlp") {
		t.Errorf("missing tool err = %v", results[1].Err)
	}
	if results[2].Err == nil || !strings.Contains(results[2].Err.Error(), "not configured") {
		t.Errorf("blank tool err = %v", results[2].Err)
	}
}

func TestRequireToolsNamesEveryMissingTool(t *testing.T) {
	err := RequireTools([]Tool{
		{Name: "ffmpeg", Command: "avcorpus-missing-ffmpeg"},
		{Name: "ffprobe", Command: "avcorpus-missing-ffprobe"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, name := range []string{"avcorpus-missing-ffmpeg", "avcorpus-missing-ffprobe"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not name %s", err, name)
		}
	}
	if err := RequireTools(nil); err != nil {
		t.Errorf("no tools: %v", err)
	}
}
