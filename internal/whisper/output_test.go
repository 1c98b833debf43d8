package whisper

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTranscript(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       string
		want      string
		malformed bool
	}{
		{name: "plain text", raw: " Hello world.\n", want: "Hello world."},
		{name: "multi segment", raw: " Hello there.\n\n  General   Kenobi.\n", want: "Hello there. General Kenobi."},
		{name: "timestamps", raw: "[00:00:00.000 --> 00:00:02.000]   Hello\n[00:00:02.000 --> 00:00:04.500]  world\n", want: "Hello world"},
		{name: "hourly timestamps with comma", raw: "[01:00:00,000 --> 01:00:02,000] late text\n", want: "late text"},
		{name: "blank audio only", raw: BlankAudioToken + "\n", want: ""},
		{name: "timestamped blank audio", raw: "[00:00:00.000 --> 00:00:01.000]  [BLANK_AUDIO]\n", want: ""},
		{name: "blank audio mixed with text", raw: "[BLANK_AUDIO]\nhello\n", want: "hello"},
		{name: "empty", raw: "", malformed: true},
		{name: "whitespace only", raw: " \n\t\n", malformed: true},
		{name: "broken marker", raw: "[00:00 --> oops] text\n", malformed: true},
		{name: "sound annotation only", raw: "[MUSIC PLAYING]\n", want: ""},
		{name: "mixed case annotation", raw: "[00:00:00.000 --> 00:00:03.000]  [Music]\n", want: ""},
		{name: "annotation between speech", raw: "Hello.\n[APPLAUSE]\nThanks.\n", want: "Hello. Thanks."},
		{name: "annotation with text on the line", raw: "[Music] la la\n", malformed: true},
		{name: "bracketed digits", raw: "[12345]\n", malformed: true},
		{name: "unterminated bracket", raw: "[MUSIC\n", malformed: true},
		{name: "nul byte", raw: "hello\x00world", malformed: true},
		{name: "invalid utf8", raw: "caf\xe9", malformed: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseTranscript([]byte(tt.raw))
			if tt.malformed {
				require.ErrorIs(t, err, ErrMalformedOutput)
				require.Empty(t, got)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
