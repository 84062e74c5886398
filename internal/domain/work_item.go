package domain

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// WorkItem is one catalog entry. It is immutable once read.
type WorkItem struct {
	ID           string  // Source video identifier, unique key
	SourceKey    string  // URL or lookup key handed to the resolver
	Title        string  // Optional title column
	DurationHint float64 // Optional duration hint in seconds
	StartSec     float64 // Segment start, 0 when absent
	EndSec       float64 // Segment end, 0 when absent
	Row          int64   // 1-based catalog row number
}

// HasSegment reports whether the item names a usable [start, end) segment.
func (w WorkItem) HasSegment() bool {
	return w.EndSec > 0 && w.EndSec > w.StartSec
}

// FetchedPayload is the scratch copy of one item's media.
// It is owned by exactly one worker and must be discarded after the attempt.
type FetchedPayload struct {
	Item        WorkItem
	Path        string
	Size        int64
	ContentType string
}

// Discard removes the scratch file. It is safe to call more than once.
func (p *FetchedPayload) Discard() error {
	if p == nil || p.Path == "" {
		return nil
	}
	err := os.Remove(p.Path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ArtifactKind names an output subtree.
type ArtifactKind string

const (
	ArtifactAudio ArtifactKind = "audio"
	ArtifactFace  ArtifactKind = "faces"
)

// Artifact is one produced file and its derived name. Small artifacts carry
// their bytes in Data; large ones point at a file in the worker's work dir.
type Artifact struct {
	Kind ArtifactKind
	Seq  int
	Name string
	Data []byte
	Path string
}

// Open returns a seekable reader over the artifact's content. Uploaders that
// checksum the body before sending it need to rewind.
func (a Artifact) Open() (io.ReadSeekCloser, error) {
	if a.Data != nil || a.Path == "" {
		return nopSeekCloser{bytes.NewReader(a.Data)}, nil
	}
	return os.Open(a.Path)
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }

// Size returns the content length in bytes.
func (a Artifact) Size() (int64, error) {
	if a.Data != nil || a.Path == "" {
		return int64(len(a.Data)), nil
	}
	info, err := os.Stat(a.Path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Key returns the artifact's path relative to the output root.
func (a Artifact) Key() string {
	return path.Join(string(a.Kind), a.Name)
}

// SafeName maps an item ID onto a filename-safe token. IDs that are already
// safe (YouTube IDs are) map onto themselves. Any other byte, and a leading
// dot, is written as %XX, so distinct IDs never share a name.
func SafeName(id string) string {
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		if isNameByte(c) && !(i == 0 && c == '.') {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isNameByte(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		c == '.' || c == '_' || c == '-'
}

// AudioName derives the audio filename for an item.
func AudioName(itemID string) string {
	return SafeName(itemID) + ".wav"
}

// FaceName derives the face crop filename for an item and sequence index.
func FaceName(itemID string, seq int) string {
	return fmt.Sprintf("%s_%d.jpg", SafeName(itemID), seq)
}

// ExtractionResult holds everything extracted from one payload.
// Faces are ordered by frame, then by detection order within the frame.
type ExtractionResult struct {
	Audio        *Artifact
	Faces        []Artifact
	NoAudioTrack bool
	AudioErr     error
	FaceErr      error
}

// Artifacts returns the audio artifact (if any) followed by the faces.
func (r *ExtractionResult) Artifacts() []Artifact {
	if r == nil {
		return nil
	}
	out := make([]Artifact, 0, len(r.Faces)+1)
	if r.Audio != nil {
		out = append(out, *r.Audio)
	}
	return append(out, r.Faces...)
}

// Partial reports what the commit should record about a result where one
// path produced nothing: extraction_partial when a path failed, no_audio_track
// when the payload simply had no audio.
func (r *ExtractionResult) Partial() (ErrorClass, string) {
	if r == nil {
		return ClassNone, ""
	}
	switch {
	case r.AudioErr != nil && r.FaceErr == nil:
		return ClassExtractionPartial, "audio: " + r.AudioErr.Error()
	case r.FaceErr != nil && r.AudioErr == nil:
		return ClassExtractionPartial, "faces: " + r.FaceErr.Error()
	case r.NoAudioTrack:
		return ClassNoAudioTrack, ErrNoAudioTrack.Error()
	}
	return ClassNone, ""
}
