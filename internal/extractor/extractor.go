package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"

	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/logger"
	"github.com/timmy/avcorpus/internal/media"
	"github.com/timmy/avcorpus/internal/media/ffmpeg"
	"github.com/timmy/avcorpus/internal/media/ffprobe"
	"golang.org/x/image/draw"
)

// Options holds extraction settings. Stride and confidence floor decide the
// size/quality tradeoff of the dataset, so they are always configuration.
type Options struct {
	FFmpegPath      string
	FFprobePath     string
	SampleRate      int
	BitDepth        int
	FrameStride     int
	ConfidenceFloor float64
	MinFaceSize     int
	FaceSize        int // 0 keeps the native crop size
	MaxFaces        int // 0 means no cap
	JPEGQuality     int
	TrimToSegment   bool
}

// Extractor turns a fetched payload into an audio track and face crops.
type Extractor struct {
	opts     Options
	run      media.Runner
	detector FaceDetector
}

// NewExtractor creates an extractor; a nil runner uses media.ExecRunner.
func NewExtractor(opts Options, detector FaceDetector, run media.Runner) *Extractor {
	if run == nil {
		run = media.ExecRunner
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 90
	}
	return &Extractor{opts: opts, run: run, detector: detector}
}

// Extract runs the audio and face paths over payload. The paths are
// independent: one failing never stops the other. Only both failing is an
// error (extraction_failed); one failing is recorded in the result.
// Parameters:
//   - ctx: context for cancellation.
//   - payload: scratch copy of the item's media.
//   - workDir: per-attempt directory for intermediate files.
// Returns:
//   - *domain.ExtractionResult: artifacts and per-path errors.
//   - error: classified extraction_failed, or the context error.
func (e *Extractor) Extract(ctx context.Context, payload *domain.FetchedPayload, workDir string) (*domain.ExtractionResult, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	item := payload.Item
	log := logger.FromContext(ctx)
	result := &domain.ExtractionResult{}

	audio, noAudio, err := e.extractAudio(ctx, payload, workDir)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	switch {
	case err != nil:
		result.AudioErr = err
		log.WithError(err).Warn("Audio path failed")
	case noAudio:
		result.NoAudioTrack = true
	default:
		result.Audio = audio
	}

	faces, err := e.extractFaces(ctx, payload, workDir)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		result.FaceErr = err
		log.WithError(err).Warn("Face path failed")
	} else {
		result.Faces = faces
	}

	if result.AudioErr != nil && result.FaceErr != nil {
		return result, domain.Classify(domain.ClassExtractionFailed,
			fmt.Errorf("item %s: %w", item.ID, errors.Join(result.AudioErr, result.FaceErr)))
	}
	return result, nil
}

func (e *Extractor) segment(item domain.WorkItem) ffmpeg.Segment {
	if !e.opts.TrimToSegment || !item.HasSegment() {
		return ffmpeg.Segment{}
	}
	return ffmpeg.Segment{Start: item.StartSec, End: item.EndSec}
}

// extractAudio returns the audio artifact, or noAudio when the payload has no
// usable audio.
func (e *Extractor) extractAudio(ctx context.Context, payload *domain.FetchedPayload, workDir string) (*domain.Artifact, bool, error) {
	streams, err := ffprobe.Inspect(ctx, e.run, e.opts.FFprobePath, payload.Path)
	if err != nil {
		return nil, false, err
	}
	if streams.AudioStreamCount() == 0 || streams.AudioDurationSeconds() <= 0 {
		return nil, true, nil
	}

	name := domain.AudioName(payload.Item.ID)
	out := filepath.Join(workDir, name)
	err = ffmpeg.ExtractAudio(ctx, e.run, e.opts.FFmpegPath, payload.Path, out, ffmpeg.AudioOptions{
		SampleRate: e.opts.SampleRate,
		BitDepth:   e.opts.BitDepth,
		Segment:    e.segment(payload.Item),
	})
	if err != nil {
		return nil, false, err
	}

	info, err := InspectWAV(out)
	if err != nil {
		return nil, false, fmt.Errorf("converted audio unreadable: %w", err)
	}
	if info.Silent {
		os.Remove(out)
		return nil, true, nil
	}
	return &domain.Artifact{
		Kind: domain.ArtifactAudio,
		Name: name,
		Path: out,
	}, false, nil
}

func (e *Extractor) extractFaces(ctx context.Context, payload *domain.FetchedPayload, workDir string) ([]domain.Artifact, error) {
	if e.detector == nil {
		return nil, errors.New("no face detector configured")
	}
	frameDir := filepath.Join(workDir, "frames")
	defer os.RemoveAll(frameDir)

	frames, err := ffmpeg.SampleFrames(ctx, e.run, e.opts.FFmpegPath, payload.Path, frameDir, ffmpeg.FrameOptions{
		Stride:  e.opts.FrameStride,
		Segment: e.segment(payload.Item),
	})
	if err != nil {
		return nil, err
	}

	faces := []domain.Artifact{}
	for _, frame := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := decodeFrame(frame)
		if err != nil {
			return nil, err
		}
		dets, err := e.detector.Detect(img)
		if err != nil {
			return nil, fmt.Errorf("detect faces in %s: %w", filepath.Base(frame), err)
		}
		for _, det := range e.accept(dets, img.Bounds()) {
			if e.opts.MaxFaces > 0 && len(faces) >= e.opts.MaxFaces {
				return faces, nil
			}
			data, err := e.encodeCrop(img, det.Rect)
			if err != nil {
				return nil, err
			}
			seq := len(faces)
			faces = append(faces, domain.Artifact{
				Kind: domain.ArtifactFace,
				Seq:  seq,
				Name: domain.FaceName(payload.Item.ID, seq),
				Data: data,
			})
		}
	}
	return faces, nil
}

// accept filters detections by confidence and size and orders them top to
// bottom, left to right, so crops are numbered the same way on every run.
func (e *Extractor) accept(dets []Detection, bounds image.Rectangle) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, det := range dets {
		if det.Score < e.opts.ConfidenceFloor {
			continue
		}
		rect := det.Rect.Intersect(bounds)
		if rect.Empty() || rect.Dx() < e.opts.MinFaceSize || rect.Dy() < e.opts.MinFaceSize {
			continue
		}
		det.Rect = rect
		out = append(out, det)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Rect.Min, out[j].Rect.Min
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return out
}

func (e *Extractor) encodeCrop(img image.Image, rect image.Rectangle) ([]byte, error) {
	var dst *image.RGBA
	if e.opts.FaceSize > 0 {
		dst = image.NewRGBA(image.Rect(0, 0, e.opts.FaceSize, e.opts.FaceSize))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, rect, draw.Src, nil)
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
		draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: e.opts.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode face crop: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFrame(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode frame %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
