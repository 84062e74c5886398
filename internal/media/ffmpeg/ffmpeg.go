package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/timmy/avcorpus/internal/media"
)

// Segment bounds a conversion to [Start, End) seconds. A zero End means the
// whole input.
type Segment struct {
	Start float64
	End   float64
}

func (s Segment) args() []string {
	var args []string
	if s.Start > 0 {
		args = append(args, "-ss", formatSeconds(s.Start))
	}
	return args
}

func (s Segment) durationArgs() []string {
	if s.End > s.Start && s.End > 0 {
		return []string{"-t", formatSeconds(s.End - s.Start)}
	}
	return nil
}

// AudioOptions describes the normalized audio output.
type AudioOptions struct {
	SampleRate int
	BitDepth   int // 16, 24 or 32
	Segment    Segment
}

// PCMCodec returns the little-endian signed PCM codec for a bit depth.
func PCMCodec(bitDepth int) (string, error) {
	switch bitDepth {
	case 16, 24, 32:
		return fmt.Sprintf("pcm_s%dle", bitDepth), nil
	}
	return "", fmt.Errorf("unsupported bit depth %d", bitDepth)
}

// AudioArgs builds the arguments converting in to a mono WAV at out.
func AudioArgs(in, out string, opts AudioOptions) ([]string, error) {
	codec, err := PCMCodec(opts.BitDepth)
	if err != nil {
		return nil, err
	}
	args := []string{"-nostdin", "-hide_banner", "-loglevel", "error", "-y"}
	args = append(args, opts.Segment.args()...)
	args = append(args, "-i", in)
	args = append(args, opts.Segment.durationArgs()...)
	args = append(args,
		"-vn", "-sn", "-dn",
		"-map", "0:a:0",
		"-ac", "1",
		"-ar", strconv.Itoa(opts.SampleRate),
		"-c:a", codec,
		// Keep the output byte-identical across runs.
		"-map_metadata", "-1",
		"-fflags", "+bitexact",
		"-flags:a", "+bitexact",
		"-f", "wav",
		out,
	)
	return args, nil
}

// ExtractAudio converts in to a mono PCM WAV at out.
func ExtractAudio(ctx context.Context, run media.Runner, binary, in, out string, opts AudioOptions) error {
	args, err := AudioArgs(in, out, opts)
	if err != nil {
		return err
	}
	return runTool(ctx, run, binary, args)
}

// FrameOptions describes frame sampling.
type FrameOptions struct {
	Stride  int // keep one frame out of every Stride frames
	Segment Segment
}

// FramePattern is the file name pattern of sampled frames.
const FramePattern = "frame_%06d.png"

// FrameArgs builds the arguments writing every Stride-th frame of in as PNG.
func FrameArgs(in, outDir string, opts FrameOptions) []string {
	stride := opts.Stride
	if stride < 1 {
		stride = 1
	}
	args := []string{"-nostdin", "-hide_banner", "-loglevel", "error", "-y"}
	args = append(args, opts.Segment.args()...)
	args = append(args, "-i", in)
	args = append(args, opts.Segment.durationArgs()...)
	args = append(args,
		"-an", "-sn", "-dn",
		"-map", "0:v:0",
		"-vf", fmt.Sprintf(`select=not(mod(n\,%d))`, stride),
		"-vsync", "vfr",
		"-f", "image2",
		filepath.Join(outDir, FramePattern),
	)
	return args
}

// SampleFrames writes sampled frames into outDir and returns their paths in
// frame order.
func SampleFrames(ctx context.Context, run media.Runner, binary, in, outDir string, opts FrameOptions) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create frame dir: %w", err)
	}
	if err := runTool(ctx, run, binary, FrameArgs(in, outDir, opts)); err != nil {
		return nil, err
	}
	return ListFrames(outDir)
}

// ListFrames returns the sampled frames in outDir sorted by frame number.
func ListFrames(outDir string) ([]string, error) {
	frames, err := filepath.Glob(filepath.Join(outDir, "frame_*.png"))
	if err != nil {
		return nil, err
	}
	// Zero-padded names sort in frame order.
	sort.Strings(frames)
	return frames, nil
}

func runTool(ctx context.Context, run media.Runner, binary string, args []string) error {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	if run == nil {
		run = media.ExecRunner
	}
	_, stderr, err := run(ctx, binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(stderr)))
	}
	return nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
