// Package audio validates uploaded payloads before they reach the engine.
package audio

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Format identifies a supported audio container.
type Format string

const (
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatFLAC    Format = "flac"
	FormatOGG     Format = "ogg"
	FormatM4A     Format = "m4a"
	FormatWebM    Format = "webm"
	FormatUnknown Format = ""
)

// Ext returns the file extension the engine expects for the format.
func (f Format) Ext() string {
	if f == FormatUnknown {
		return ""
	}
	return "." + string(f)
}

var contentTypes = map[string]Format{
	"audio/wav":    FormatWAV,
	"audio/x-wav":  FormatWAV,
	"audio/wave":   FormatWAV,
	"audio/mpeg":   FormatMP3,
	"audio/mp3":    FormatMP3,
	"audio/flac":   FormatFLAC,
	"audio/x-flac": FormatFLAC,
	"audio/ogg":    FormatOGG,
	"audio/mp4":    FormatM4A,
	"audio/x-m4a":  FormatM4A,
	"audio/webm":   FormatWebM,
	"video/webm":   FormatWebM,
}

var extensions = map[string]Format{
	".wav":  FormatWAV,
	".mp3":  FormatMP3,
	".flac": FormatFLAC,
	".ogg":  FormatOGG,
	".m4a":  FormatM4A,
	".webm": FormatWebM,
}

// DetectFormat identifies the payload's container. Magic bytes win; the
// declared content type and the upload's filename extension are fallbacks
// for containers whose headers are ambiguous. FormatUnknown means the
// upload must be rejected before any engine invocation.
func DetectFormat(data []byte, contentType, filename string) Format {
	if f := sniff(data); f != FormatUnknown {
		return f
	}

	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	if f, ok := contentTypes[mediaType]; ok {
		return f
	}

	if f, ok := extensions[strings.ToLower(filepath.Ext(filename))]; ok {
		return f
	}

	return FormatUnknown
}

func sniff(data []byte) Format {
	switch {
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("fLaC")):
		return FormatFLAC
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("OggS")):
		return FormatOGG
	case len(data) >= 12 && bytes.Equal(data[4:8], []byte("ftyp")):
		return FormatM4A
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return FormatWebM
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")):
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	default:
		return FormatUnknown
	}
}
