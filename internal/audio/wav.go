package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// MimeTypeWAV is the container every chunk is encoded with
	MimeTypeWAV = "audio/wav"

	bitDepth  = 16
	pcmFormat = 1
)

var ErrEmptyBuffer = errors.New("audio buffer is empty")

// NewBuffer wraps interleaved PCM16 samples
func NewBuffer(samples []int, sampleRate, channels int) *goaudio.IntBuffer {
	return &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
}

// EncodeWAV renders a PCM16 buffer as a WAV file
func EncodeWAV(buf *goaudio.IntBuffer) ([]byte, error) {
	if buf == nil || len(buf.Data) == 0 {
		return nil, ErrEmptyBuffer
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("invalid audio format")
	}

	ws := &memWriteSeeker{}
	enc := wav.NewEncoder(ws, buf.Format.SampleRate, bitDepth, buf.Format.NumChannels, pcmFormat)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize wav: %w", err)
	}
	return ws.Bytes(), nil
}

// DecodeWAV parses a WAV file into its PCM samples
func DecodeWAV(data []byte) (*goaudio.IntBuffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid wav data")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("wav has no usable format")
	}
	return buf, nil
}

// Frames returns the number of multi-channel frames in buf
func Frames(buf *goaudio.IntBuffer) int {
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 {
		return 0
	}
	return len(buf.Data) / buf.Format.NumChannels
}

// Duration returns the playback length of buf
func Duration(buf *goaudio.IntBuffer) time.Duration {
	if buf == nil || buf.Format == nil || buf.Format.SampleRate <= 0 {
		return 0
	}
	return FramesDuration(Frames(buf), buf.Format.SampleRate)
}

// FramesDuration converts a frame count at sampleRate to a duration
func FramesDuration(frames, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// Tail returns a copy of the last n frames of buf, or all of buf when shorter
func Tail(buf *goaudio.IntBuffer, n int) *goaudio.IntBuffer {
	ch := buf.Format.NumChannels
	frames := Frames(buf)
	if n > frames {
		n = frames
	}
	if n < 0 {
		n = 0
	}
	start := (frames - n) * ch
	data := make([]int, n*ch)
	copy(data, buf.Data[start:frames*ch])
	return NewBuffer(data, buf.Format.SampleRate, ch)
}

// Concat joins two buffers of the same format into a new one
func Concat(a, b *goaudio.IntBuffer) (*goaudio.IntBuffer, error) {
	if a.Format.SampleRate != b.Format.SampleRate || a.Format.NumChannels != b.Format.NumChannels {
		return nil, fmt.Errorf("format mismatch: %dHz/%dch vs %dHz/%dch",
			a.Format.SampleRate, a.Format.NumChannels, b.Format.SampleRate, b.Format.NumChannels)
	}
	data := make([]int, 0, len(a.Data)+len(b.Data))
	data = append(data, a.Data...)
	data = append(data, b.Data...)
	return NewBuffer(data, a.Format.SampleRate, a.Format.NumChannels), nil
}

// DecodePCM16LE converts little-endian PCM16 bytes to samples; a trailing odd byte is ignored
func DecodePCM16LE(b []byte) []int {
	out := make([]int, len(b)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(b[i*2:])))
	}
	return out
}

// EncodePCM16LE converts samples to little-endian PCM16 bytes
func EncodePCM16LE(samples []int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clamp16(s))))
	}
	return out
}

func clamp16(s int) int {
	switch {
	case s > 32767:
		return 32767
	case s < -32768:
		return -32768
	}
	return s
}
