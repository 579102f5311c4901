package audio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadWAV decodes a PCM16 mono RIFF/WAVE stream into float32 samples in
// [-1, 1] and returns them with the file's sample rate. Stereo input is
// downmixed by averaging channels.
func ReadWAV(r io.Reader) (samples []float32, sampleRate int, err error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, 0, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE stream")
	}

	var (
		channels      int
		bitsPerSample int
		haveFmt       bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, 0, fmt.Errorf("wav: no data chunk")
			}
			return nil, 0, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, 0, fmt.Errorf("read fmt chunk: %w", err)
			}
			format := binary.LittleEndian.Uint16(buf[0:2])
			if format != 1 {
				return nil, 0, fmt.Errorf("wav: unsupported format %d, want PCM", format)
			}
			channels = int(binary.LittleEndian.Uint16(buf[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(buf[14:16]))
			if bitsPerSample != 16 {
				return nil, 0, fmt.Errorf("wav: unsupported bit depth %d, want 16", bitsPerSample)
			}
			if channels < 1 || channels > 2 {
				return nil, 0, fmt.Errorf("wav: unsupported channel count %d", channels)
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, 0, fmt.Errorf("wav: data chunk before fmt chunk")
			}
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, 0, fmt.Errorf("read data chunk: %w", err)
			}
			frames := len(buf) / (2 * channels)
			samples = make([]float32, frames)
			for i := 0; i < frames; i++ {
				var acc float64
				for c := 0; c < channels; c++ {
					v := int16(binary.LittleEndian.Uint16(buf[(i*channels+c)*2:]))
					acc += float64(v) / 32768.0
				}
				samples[i] = float32(acc / float64(channels))
			}
			return samples, sampleRate, nil

		default:
			// Skip unknown chunks (LIST, fact, ...). Chunks are padded
			// to even length.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, 0, fmt.Errorf("skip %s chunk: %w", id, err)
			}
		}
	}
}
