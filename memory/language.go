package memory

import (
	"strings"
	"unicode"
)

// LanguageUndetermined is recorded when detection confidence is too low.
const LanguageUndetermined = "und"

// minLanguageConfidence is the cutoff below which detection reports und.
const minLanguageConfidence = 0.5

// Detection is the outcome of language detection.
type Detection struct {
	Code       string  `json:"language_code"`
	Confidence float64 `json:"confidence"`
}

// SupportedLanguages is the fixed 28-language code set.
var SupportedLanguages = map[string]string{
	"en": "English", "es": "Spanish", "fr": "French", "de": "German",
	"it": "Italian", "pt": "Portuguese", "nl": "Dutch", "sv": "Swedish",
	"no": "Norwegian", "da": "Danish", "fi": "Finnish", "pl": "Polish",
	"cs": "Czech", "tr": "Turkish", "ro": "Romanian", "vi": "Vietnamese",
	"id": "Indonesian", "ru": "Russian", "uk": "Ukrainian", "bg": "Bulgarian",
	"zh": "Chinese", "ja": "Japanese", "ko": "Korean", "ar": "Arabic",
	"he": "Hebrew", "hi": "Hindi", "th": "Thai", "el": "Greek",
}

// IsSupportedLanguage reports whether the code is in the fixed set.
func IsSupportedLanguage(code string) bool {
	_, ok := SupportedLanguages[code]
	return ok
}

// LanguageAffinity is the score multiplier applied in cross-language
// search: identical supported languages score full, different supported
// languages are damped, unsupported ones more so.
func LanguageAffinity(queryLang, memoryLang string) float64 {
	if !IsSupportedLanguage(memoryLang) {
		return 0.5
	}
	if queryLang == memoryLang {
		return 1.0
	}
	return 0.7
}

type scriptFamily int

const (
	scriptLatin scriptFamily = iota
	scriptCyrillic
	scriptHan
	scriptKana
	scriptHangul
	scriptArabic
	scriptHebrew
	scriptDevanagari
	scriptThai
	scriptGreek
	scriptOther
)

func scriptOf(r rune) scriptFamily {
	switch {
	case unicode.Is(unicode.Latin, r):
		return scriptLatin
	case unicode.Is(unicode.Cyrillic, r):
		return scriptCyrillic
	case unicode.Is(unicode.Han, r):
		return scriptHan
	case unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r):
		return scriptKana
	case unicode.Is(unicode.Hangul, r):
		return scriptHangul
	case unicode.Is(unicode.Arabic, r):
		return scriptArabic
	case unicode.Is(unicode.Hebrew, r):
		return scriptHebrew
	case unicode.Is(unicode.Devanagari, r):
		return scriptDevanagari
	case unicode.Is(unicode.Thai, r):
		return scriptThai
	case unicode.Is(unicode.Greek, r):
		return scriptGreek
	default:
		return scriptOther
	}
}

// languageSeeds are high-frequency function words per Latin/Cyrillic-script
// language. Their character trigrams form the bundled profile each candidate
// is scored against.
var languageSeeds = map[string][]string{
	"en": {"the", "and", "of", "to", "is", "in", "that", "it", "for", "with", "was", "are"},
	"es": {"el", "la", "de", "que", "los", "las", "una", "por", "con", "para", "del", "es"},
	"fr": {"le", "la", "les", "des", "une", "est", "dans", "pour", "avec", "sur", "ce", "que"},
	"de": {"der", "die", "das", "und", "ist", "nicht", "mit", "ein", "eine", "für", "auf", "den"},
	"it": {"il", "la", "di", "che", "per", "una", "sono", "con", "del", "della", "gli", "non"},
	"pt": {"o", "a", "de", "que", "do", "da", "em", "um", "uma", "para", "com", "não"},
	"nl": {"de", "het", "een", "van", "en", "is", "dat", "niet", "met", "voor", "aan", "zijn"},
	"sv": {"och", "att", "det", "som", "en", "är", "på", "för", "med", "den", "inte", "av"},
	"no": {"og", "det", "som", "en", "er", "på", "for", "med", "den", "ikke", "av", "til"},
	"da": {"og", "det", "som", "en", "er", "på", "for", "med", "den", "ikke", "af", "til"},
	"fi": {"on", "ja", "ei", "että", "se", "oli", "joka", "mutta", "kun", "niin", "myös", "hän"},
	"pl": {"nie", "jest", "się", "na", "do", "że", "z", "w", "to", "jak", "ale", "po"},
	"cs": {"je", "se", "na", "že", "to", "do", "ale", "jako", "za", "pro", "tak", "který"},
	"tr": {"bir", "ve", "bu", "için", "de", "da", "ile", "olarak", "gibi", "daha", "çok", "en"},
	"ro": {"și", "de", "la", "cu", "este", "un", "o", "pentru", "care", "în", "pe", "mai"},
	"vi": {"và", "của", "là", "có", "trong", "được", "các", "một", "cho", "này", "với", "không"},
	"id": {"yang", "dan", "di", "dengan", "untuk", "dari", "ini", "itu", "pada", "adalah", "tidak", "akan"},
	"ru": {"и", "в", "не", "на", "что", "он", "как", "это", "по", "но", "из", "для", "за", "было"},
	"uk": {"і", "в", "не", "на", "що", "він", "як", "це", "по", "але", "з", "для"},
	"bg": {"и", "в", "не", "на", "че", "той", "как", "това", "по", "но", "от", "за"},
}

// charHints are characters characteristic of one language within a script
// family; each hit contributes a fractional score.
var languageCharHints = map[string]string{
	"es": "ñáéíóú¿¡",
	"fr": "àâçéèêëîïôùûœ",
	"de": "äöüß",
	"pt": "ãõçâêá",
	"it": "àèéìòù",
	"sv": "åäö",
	"no": "åæø",
	"da": "åæø",
	"fi": "äö",
	"pl": "ąćęłńśźż",
	"cs": "ěščřžýůň",
	"tr": "ğışçö",
	"ro": "ăâîșț",
	"vi": "ăâđêôơư",
	"uk": "їєґі",
	"bg": "ъ",
}

var scriptCandidates = map[scriptFamily][]string{
	scriptLatin:    {"en", "es", "fr", "de", "it", "pt", "nl", "sv", "no", "da", "fi", "pl", "cs", "tr", "ro", "vi", "id"},
	scriptCyrillic: {"ru", "uk", "bg"},
}

var scriptSingleton = map[scriptFamily]string{
	scriptHan:        "zh",
	scriptKana:       "ja",
	scriptHangul:     "ko",
	scriptArabic:     "ar",
	scriptHebrew:     "he",
	scriptDevanagari: "hi",
	scriptThai:       "th",
	scriptGreek:      "el",
}

// DetectLanguage runs the deterministic two-stage detector: a character-script
// histogram narrows the candidate set, then a trigram scorer against the
// bundled profiles picks the language. Confidence below 0.5 yields und with
// zero confidence.
func DetectLanguage(text string) Detection {
	counts := make(map[scriptFamily]int)
	total := 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			counts[scriptOf(r)]++
			total++
		}
	}
	if total == 0 {
		return Detection{Code: LanguageUndetermined, Confidence: 0}
	}

	dominant, best := scriptOther, 0
	for fam, n := range counts {
		if n > best {
			dominant, best = fam, n
		}
	}

	// Japanese text mixes Han and Kana; any Kana presence wins over Han.
	if dominant == scriptHan && counts[scriptKana] > 0 {
		dominant = scriptKana
	}

	if code, ok := scriptSingleton[dominant]; ok {
		conf := float64(best) / float64(total)
		if conf < minLanguageConfidence {
			return Detection{Code: LanguageUndetermined, Confidence: 0}
		}
		return Detection{Code: code, Confidence: conf}
	}

	candidates, ok := scriptCandidates[dominant]
	if !ok {
		return Detection{Code: LanguageUndetermined, Confidence: 0}
	}

	tokens := tokenizeForDetection(text)
	if len(tokens) == 0 {
		return Detection{Code: LanguageUndetermined, Confidence: 0}
	}

	bestCode, bestScore, secondScore := "", 0.0, 0.0
	for _, code := range candidates {
		score := scoreLanguage(code, tokens, text)
		if score > bestScore {
			bestCode, secondScore, bestScore = code, bestScore, score
		} else if score > secondScore {
			secondScore = score
		}
	}
	if bestCode == "" || bestScore == 0 {
		return Detection{Code: LanguageUndetermined, Confidence: 0}
	}

	// Margin-weighted confidence: strong when the runner-up is far behind.
	conf := bestScore / (bestScore + 0.5*secondScore + 0.02)
	if conf > 1 {
		conf = 1
	}
	if conf < minLanguageConfidence {
		return Detection{Code: LanguageUndetermined, Confidence: 0}
	}
	return Detection{Code: bestCode, Confidence: conf}
}

func tokenizeForDetection(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

var trigramProfiles = buildTrigramProfiles()

func buildTrigramProfiles() map[string]map[string]struct{} {
	profiles := make(map[string]map[string]struct{}, len(languageSeeds))
	for code, words := range languageSeeds {
		set := make(map[string]struct{})
		for _, w := range words {
			for _, g := range trigramsOf(w) {
				set[g] = struct{}{}
			}
		}
		profiles[code] = set
	}
	return profiles
}

// trigramsOf returns the character trigrams of one token, space-padded so
// word boundaries count.
func trigramsOf(token string) []string {
	r := []rune(" " + token + " ")
	if len(r) < 3 {
		return nil
	}
	out := make([]string, 0, len(r)-2)
	for i := 0; i+3 <= len(r); i++ {
		out = append(out, string(r[i:i+3]))
	}
	return out
}

func scoreLanguage(code string, tokens []string, text string) float64 {
	profile := trigramProfiles[code]
	hits, total := 0, 0
	for _, t := range tokens {
		for _, g := range trigramsOf(t) {
			total++
			if _, ok := profile[g]; ok {
				hits++
			}
		}
	}
	if total == 0 {
		return 0
	}
	score := float64(hits) / float64(total)

	if hints := languageCharHints[code]; hints != "" {
		for _, r := range strings.ToLower(text) {
			if strings.ContainsRune(hints, r) {
				score += 0.05
				break
			}
		}
	}

	// Plain ASCII text with zero profile hits is overwhelmingly English in
	// a developer corpus; anchor en so it beats stray trigram noise.
	if code == "en" && hits == 0 && isPlainASCII(text) {
		score += 0.2
	}
	return score
}

func isPlainASCII(text string) bool {
	for _, r := range text {
		if r > 127 {
			return false
		}
	}
	return true
}
