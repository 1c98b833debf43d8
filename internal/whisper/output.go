package whisper

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// BlankAudioToken is what whisper.cpp prints for a segment without speech.
const BlankAudioToken = "[BLANK_AUDIO]"

var ErrMalformedOutput = errors.New("malformed engine output")

// timestampMarker matches "[00:00:01.000 --> 00:00:03.500]" with optional
// hours and either '.' or ',' as the millisecond separator.
var timestampMarker = regexp.MustCompile(`^\[(?:\d{2}:)?\d{2}:\d{2}[.,]\d{3}\s*-->\s*(?:\d{2}:)?\d{2}:\d{2}[.,]\d{3}\]\s*`)

// soundAnnotation matches a whole-line non-speech tag such as "[Music]" or
// "[MUSIC PLAYING]": up to four words of letters.
var soundAnnotation = regexp.MustCompile(`^\[[A-Za-z]+(?:[ _'-][A-Za-z]+){0,3}\]$`)

// ParseTranscript extracts recognized text from engine output.
//
// Each non-empty line is one segment. A leading timestamp marker is
// stripped. A whole-line sound annotation, BlankAudioToken included,
// contributes nothing; any other line starting with '[' is malformed.
// Segments are joined with single spaces. Output that is not valid UTF-8,
// contains NUL bytes, or yields no text and no annotation is malformed.
func ParseTranscript(raw []byte) (string, error) {
	if bytes.IndexByte(raw, 0) >= 0 {
		return "", fmt.Errorf("%w: contains NUL bytes", ErrMalformedOutput)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: invalid UTF-8", ErrMalformedOutput)
	}

	var segments []string
	sawAnnotation := false
	for lineNo, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if loc := timestampMarker.FindStringIndex(line); loc != nil {
			line = strings.TrimSpace(line[loc[1]:])
			if line == "" {
				continue
			}
		}

		if soundAnnotation.MatchString(line) {
			sawAnnotation = true
			continue
		}
		if strings.HasPrefix(line, "[") {
			return "", fmt.Errorf("%w: unrecognized marker on line %d", ErrMalformedOutput, lineNo+1)
		}

		segments = append(segments, strings.Join(strings.Fields(line), " "))
	}

	if len(segments) == 0 {
		if sawAnnotation {
			return "", nil
		}
		return "", fmt.Errorf("%w: no text", ErrMalformedOutput)
	}
	return strings.Join(segments, " "), nil
}
