package extractor

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// WAVInfo summarizes a PCM WAV file.
type WAVInfo struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
	DataBytes     int64
	Silent        bool // data chunk empty or all zero samples
}

var errNotWAV = errors.New("not a RIFF/WAVE file")

// InspectWAV reads the chunk headers of a WAV file and scans its data chunk
// for any non-zero sample. The scan streams, so long tracks are not loaded.
func InspectWAV(path string) (WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAVInfo{}, err
	}
	defer f.Close()
	return readWAV(bufio.NewReaderSize(f, 64<<10))
}

func readWAV(r io.Reader) (WAVInfo, error) {
	var info WAVInfo

	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return info, fmt.Errorf("%w: %v", errNotWAV, err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return info, errNotWAV
	}

	var sawFormat bool
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if errors.Is(err, io.EOF) && sawFormat {
				// No data chunk at all: nothing was decoded.
				info.Silent = true
				return info, nil
			}
			return info, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return info, fmt.Errorf("fmt chunk too short: %d", size)
			}
			var fmtChunk [16]byte
			if _, err := io.ReadFull(r, fmtChunk[:]); err != nil {
				return info, fmt.Errorf("read fmt chunk: %w", err)
			}
			info.Channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtChunk[14:16]))
			sawFormat = true
			if err := skip(r, size-16+size%2); err != nil {
				return info, err
			}
		case "data":
			if !sawFormat {
				return info, errors.New("data chunk before fmt chunk")
			}
			// Streaming writers leave the size at 0xFFFFFFFF; read to EOF then.
			n, nonZero, err := scanSamples(r, size)
			if err != nil {
				return info, err
			}
			info.DataBytes = n
			info.Silent = n == 0 || !nonZero
			return info, nil
		default:
			if err := skip(r, size+size%2); err != nil {
				return info, err
			}
		}
	}
}

func scanSamples(r io.Reader, size int64) (int64, bool, error) {
	buf := make([]byte, 32<<10)
	var total int64
	nonZero := false
	limited := io.LimitReader(r, size)
	for {
		n, err := limited.Read(buf)
		if n > 0 {
			total += int64(n)
			if !nonZero {
				for _, b := range buf[:n] {
					if b != 0 {
						nonZero = true
						break
					}
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nonZero, nil
		}
		if err != nil {
			return total, nonZero, fmt.Errorf("read data chunk: %w", err)
		}
	}
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("skip chunk: %w", err)
	}
	return nil
}
