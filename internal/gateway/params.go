package gateway

import (
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/text/language"

	"github.com/voxgate/voxgate/internal/config"
)

// workerLangCodes maps BCP 47 base languages to the single-letter codes the
// inference worker understands. British English gets its own code.
var workerLangCodes = map[string]string{
	"en": "a",
	"es": "e",
	"fr": "f",
	"hi": "h",
	"it": "i",
	"ja": "j",
	"pt": "p",
	"zh": "z",
}

// langCodeFor translates a configured language tag to the worker's code.
// Unknown languages fall back to American English.
func langCodeFor(tag string) string {
	t, err := language.Parse(tag)
	if err != nil {
		return "a"
	}
	base, _ := t.Base()
	code, ok := workerLangCodes[base.String()]
	if !ok {
		return "a"
	}
	if code == "a" {
		if region, _ := t.Region(); region.String() == "GB" {
			return "b"
		}
	}
	return code
}

// detectLangCode guesses the worker language code from the script of the
// text itself. Used only when no language is configured.
func detectLangCode(text string) string {
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r):
			return "j"
		case unicode.Is(unicode.Han, r):
			return "z"
		case unicode.Is(unicode.Devanagari, r):
			return "h"
		}
	}
	return "a"
}

// mergeParams overlays the configured synthesis parameters onto the caller's
// request. Injected values win over caller values; the caller's text is the
// one field always preserved.
func mergeParams(body map[string]any, m config.ModelConfig) {
	text, _ := body["text"].(string)

	body["model"] = m.ID
	if m.Version != "" {
		body["version"] = m.Version
	}
	if m.Speed > 0 {
		body["speed"] = m.Speed
	}
	if m.LangCode != "" {
		body["lang_code"] = langCodeFor(m.LangCode)
	} else {
		body["lang_code"] = detectLangCode(text)
	}
	if m.Temperature > 0 {
		body["temperature"] = m.Temperature
	}
	if m.TopP > 0 {
		body["top_p"] = m.TopP
	}
	if m.Format != "" {
		body["response_format"] = m.Format
	}
	body["text"] = text
}

// stripUnknownVoices removes voice identifiers the worker does not know from
// the request's voice field. Combined voices ("af_sky+af_bella") are filtered
// per part. An all-unknown selection removes the field so the worker applies
// its default instead of producing silent empty audio.
func stripUnknownVoices(body map[string]any, known map[string]struct{}, log *slog.Logger) {
	if len(known) == 0 {
		return
	}
	raw, ok := body["voice"].(string)
	if !ok || raw == "" {
		return
	}
	parts := strings.Split(raw, "+")
	kept := parts[:0]
	for _, p := range parts {
		if _, ok := known[p]; ok {
			kept = append(kept, p)
		} else {
			log.Warn("dropping unknown voice", "voice", p)
		}
	}
	if len(kept) == 0 {
		delete(body, "voice")
		return
	}
	body["voice"] = strings.Join(kept, "+")
}
