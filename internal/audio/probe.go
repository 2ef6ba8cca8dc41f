package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"time"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

var modelRatePattern = regexp.MustCompile(`_(\d{4,6})$`)

type Info struct {
	AudioFormat   uint16
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataBytes     int64
}

func (i Info) Duration() time.Duration {
	bytesPerSecond := int64(i.SampleRate) * int64(i.Channels) * int64(i.BitsPerSample/8)
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(i.DataBytes * int64(time.Second) / bytesPerSecond)
}

// ProbeWAV reads the RIFF header and chunk table of a WAV file without
// decoding samples.
func ProbeWAV(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	return probe(f)
}

func probe(r io.ReadSeeker) (Info, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Info{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		return Info{}, fmt.Errorf("read wav header: %w", err)
	}
	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Info{}, ErrInvalidWAV
	}

	var (
		info    Info
		hasFmt  bool
		hasData bool
	)

	chunkHeader := make([]byte, 8)
	for !(hasFmt && hasData) {
		if _, err := io.ReadFull(r, chunkHeader); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return Info{}, fmt.Errorf("read wav chunk header: %w", err)
		}

		chunkID := string(chunkHeader[:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])
		skip := int64(chunkSize) + int64(chunkSize%2)

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return Info{}, ErrInvalidWAV
			}
			buf := make([]byte, 16)
			if _, err := io.ReadFull(r, buf); err != nil {
				return Info{}, fmt.Errorf("read wav fmt chunk: %w", err)
			}
			info.AudioFormat = binary.LittleEndian.Uint16(buf[0:2])
			info.Channels = int(binary.LittleEndian.Uint16(buf[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(buf[14:16]))
			hasFmt = true
			skip -= 16
		case "data":
			info.DataBytes = int64(chunkSize)
			hasData = true
		}

		if skip > 0 {
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return Info{}, fmt.Errorf("seek wav chunk %s: %w", chunkID, err)
			}
		}
	}

	if !hasFmt || !hasData {
		return Info{}, ErrInvalidWAV
	}
	if err := validateFormat(info.AudioFormat, info.BitsPerSample); err != nil {
		return Info{}, err
	}

	return info, nil
}

func validateFormat(audioFormat uint16, bitsPerSample int) error {
	switch audioFormat {
	case 1:
		switch bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		}
	case 3:
		switch bitsPerSample {
		case 32, 64:
			return nil
		}
	}
	return ErrUnsupportedWAV
}

// ModelSampleRate extracts the sample rate encoded in model names such as
// DENOISE_PLAY_16000.
func ModelSampleRate(model string) (int, bool) {
	match := modelRatePattern.FindStringSubmatch(model)
	if len(match) < 2 {
		return 0, false
	}
	rate, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return rate, true
}
