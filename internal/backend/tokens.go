package backend

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Character-per-token divisors for the heuristic estimator. JSON and code
// tokenize denser than prose, so they get smaller divisors to keep the
// estimate conservative.
const (
	charsPerTokenJSON  = 2.5
	charsPerTokenCode  = 3.0
	charsPerTokenProse = 4.0
)

// EstimateTokens returns a content-aware token estimate for text. The
// estimate intentionally overshoots rather than undershoots.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	divisor := charsPerTokenProse
	switch {
	case looksLikeJSON(text):
		divisor = charsPerTokenJSON
	case looksLikeCode(text):
		divisor = charsPerTokenCode
	}

	n := int(float64(len(text)) / divisor)
	if n < 1 {
		n = 1
	}
	return n
}

func looksLikeJSON(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 2 {
		return false
	}
	switch {
	case trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}':
		return true
	case trimmed[0] == '[' && trimmed[len(trimmed)-1] == ']':
		return true
	}
	return false
}

func looksLikeCode(text string) bool {
	if strings.Contains(text, "```") {
		return true
	}
	markers := 0
	for _, marker := range []string{"func ", "def ", "class ", "import ", "return ", "var ", ":=", "=>", "#include"} {
		if strings.Contains(text, marker) {
			markers++
		}
	}
	return markers >= 2
}

var (
	encodingMu    sync.Mutex
	encodingCache = map[string]*tiktoken.Tiktoken{}
)

// tiktokenCount counts tokens with the model's tiktoken encoding. Returns
// false when no encoding is known for the model; callers fall back to the
// heuristic.
func tiktokenCount(text, model string) (int, bool) {
	if text == "" || model == "" {
		return 0, false
	}

	encodingMu.Lock()
	enc, ok := encodingCache[model]
	if !ok {
		var err error
		enc, err = tiktoken.EncodingForModel(model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err != nil {
			encodingMu.Unlock()
			return 0, false
		}
		encodingCache[model] = enc
	}
	encodingMu.Unlock()

	return len(enc.Encode(text, nil, nil)), true
}
