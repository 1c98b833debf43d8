package whisper

import (
	"errors"
	"fmt"
	"strings"
)

// LanguageAuto asks the engine to detect the spoken language.
const LanguageAuto = "auto"

var ErrUnknownLanguage = errors.New("unknown language")

// languages mirrors whisper.cpp's language table, code to name.
var languages = map[string]string{
	"en": "english", "zh": "chinese", "de": "german", "es": "spanish",
	"ru": "russian", "ko": "korean", "fr": "french", "ja": "japanese",
	"pt": "portuguese", "tr": "turkish", "pl": "polish", "ca": "catalan",
	"nl": "dutch", "ar": "arabic", "sv": "swedish", "it": "italian",
	"id": "indonesian", "hi": "hindi", "fi": "finnish", "vi": "vietnamese",
	"he": "hebrew", "uk": "ukrainian", "el": "greek", "ms": "malay",
	"cs": "czech", "ro": "romanian", "da": "danish", "hu": "hungarian",
	"ta": "tamil", "no": "norwegian", "th": "thai", "ur": "urdu",
	"hr": "croatian", "bg": "bulgarian", "lt": "lithuanian", "la": "latin",
	"mi": "maori", "ml": "malayalam", "cy": "welsh", "sk": "slovak",
	"te": "telugu", "fa": "persian", "lv": "latvian", "bn": "bengali",
	"sr": "serbian", "az": "azerbaijani", "sl": "slovenian", "kn": "kannada",
	"et": "estonian", "mk": "macedonian", "br": "breton", "eu": "basque",
	"is": "icelandic", "hy": "armenian", "ne": "nepali", "mn": "mongolian",
	"bs": "bosnian", "kk": "kazakh", "sq": "albanian", "sw": "swahili",
	"gl": "galician", "mr": "marathi", "pa": "punjabi", "si": "sinhala",
	"km": "khmer", "sn": "shona", "yo": "yoruba", "so": "somali",
	"af": "afrikaans", "oc": "occitan", "ka": "georgian", "be": "belarusian",
	"tg": "tajik", "sd": "sindhi", "gu": "gujarati", "am": "amharic",
	"yi": "yiddish", "lo": "lao", "uz": "uzbek", "fo": "faroese",
	"ht": "haitian creole", "ps": "pashto", "tk": "turkmen", "nn": "nynorsk",
	"mt": "maltese", "sa": "sanskrit", "lb": "luxembourgish", "my": "myanmar",
	"bo": "tibetan", "tl": "tagalog", "mg": "malagasy", "as": "assamese",
	"tt": "tatar", "haw": "hawaiian", "ln": "lingala", "ha": "hausa",
	"ba": "bashkir", "jw": "javanese", "su": "sundanese", "yue": "cantonese",
}

// ParseLanguage normalizes a language hint to the code passed to the
// engine. Empty and "auto" both mean detection and come back as "". Full
// names such as "german" are accepted the way whisper-cli accepts them.
func ParseLanguage(value string) (string, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" || value == LanguageAuto {
		return "", nil
	}
	if _, ok := languages[value]; ok {
		return value, nil
	}
	for code, name := range languages {
		if name == value {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownLanguage, value)
}
