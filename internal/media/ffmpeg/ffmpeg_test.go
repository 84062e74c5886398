package ffmpeg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAudioArgs(t *testing.T) {
	testCases := []struct {
		name    string
		opts    AudioOptions
		want    []string
		absent  []string
		wantErr bool
	}{
		{
			name:   "full track 16 bit",
			opts:   AudioOptions{SampleRate: 16000, BitDepth: 16},
			want:   []string{"-ar 16000", "-c:a pcm_s16le", "-ac 1", "-f wav"},
			absent: []string{"-ss", "-t "},
		},
		{
			name: "segment 24 bit",
			opts: AudioOptions{SampleRate: 22050, BitDepth: 24, Segment: Segment{Start: 90, End: 93.5}},
			want: []string{"-ss 90.000 -i in.mp4 -t 3.500", "-c:a pcm_s24le"},
		},
		{
			name:    "bad depth",
			opts:    AudioOptions{SampleRate: 16000, BitDepth: 8},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			args, err := AudioArgs("in.mp4", "out.wav", tc.opts)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("AudioArgs failed: %v", err)
			}
			joined := strings.Join(args, " ")
			for _, w := range tc.want {
				if !strings.Contains(joined, w) {
					t.Errorf("args %q missing %q", joined, w)
				}
			}
			for _, a := range tc.absent {
				if strings.Contains(joined, a) {
					t.Errorf("args %q should not contain %q", joined, a)
				}
			}
			if args[len(args)-1] != "out.wav" {
				t.Errorf("output must be last: %v", args)
			}
		})
	}
}

func TestSampleFramesListsInOrder(t *testing.T) {
	outDir := t.TempDir()
	var gotArgs []string
	run := func(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
		gotArgs = args
		for _, n := range []string{"frame_000010.png", "frame_000002.png", "frame_000001.png"} {
			if err := os.WriteFile(filepath.Join(outDir, n), []byte("png"), 0o644); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil
	}

	frames, err := SampleFrames(context.Background(), run, "", "in.mp4", outDir, FrameOptions{Stride: 30})
	if err != nil {
		t.Fatalf("SampleFrames failed: %v", err)
	}
	if len(frames) != 3 || filepath.Base(frames[0]) != "frame_000001.png" || filepath.Base(frames[2]) != "frame_000010.png" {
		t.Errorf("unexpected frame order: %v", frames)
	}
	if !strings.Contains(strings.Join(gotArgs, " "), `select=not(mod(n\,30))`) {
		t.Errorf("stride filter missing: %v", gotArgs)
	}
}

func TestRunToolReportsStderr(t *testing.T) {
	run := func(context.Context, string, ...string) ([]byte, []byte, error) {
		return nil, []byte("Invalid data found when processing input"), errors.New("exit status 1")
	}
	err := ExtractAudio(context.Background(), run, "", "in", "out", AudioOptions{SampleRate: 16000, BitDepth: 16})
	if err == nil || !strings.Contains(err.Error(), "Invalid data") {
		t.Fatalf("err = %v", err)
	}
}
