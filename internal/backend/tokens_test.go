package backend

import (
	"strings"
	"testing"
)

func TestEstimateTokensEmpty(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(\"\") = %d, want 0", got)
	}
}

func TestEstimateTokensContentAware(t *testing.T) {
	jsonText := `{"query": "` + strings.Repeat("a", 90) + `"}`
	codeText := "func main() {\n\treturn run()\n}\n" + strings.Repeat("x := y\n", 12)
	proseText := strings.Repeat("the quick brown fox jumps over the lazy dog ", 3)

	jsonTokens := EstimateTokens(jsonText)
	proseTokens := EstimateTokens(proseText)

	if want := len(jsonText) * 2 / 5; jsonTokens != want {
		t.Errorf("json estimate = %d, want %d (len/2.5)", jsonTokens, want)
	}
	if want := len(proseText) / 4; proseTokens != want {
		t.Errorf("prose estimate = %d, want %d (len/4)", proseTokens, want)
	}
	if want := len(codeText) / 3; EstimateTokens(codeText) != want {
		t.Errorf("code estimate = %d, want %d (len/3)", EstimateTokens(codeText), want)
	}
}

func TestEstimateTokensMinimumOne(t *testing.T) {
	if got := EstimateTokens("hi"); got != 1 {
		t.Errorf("EstimateTokens(\"hi\") = %d, want 1", got)
	}
}

func TestLooksLikeJSON(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{`{"a": 1}`, true},
		{`  [1, 2, 3]  `, true},
		{`plain prose about {braces}`, false},
		{`{`, false},
		{``, false},
	}
	for _, tt := range tests {
		if got := looksLikeJSON(tt.text); got != tt.want {
			t.Errorf("looksLikeJSON(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestLooksLikeCode(t *testing.T) {
	if !looksLikeCode("```\nanything\n```") {
		t.Error("fenced block should look like code")
	}
	if !looksLikeCode("func handler() error {\n\treturn nil\n}\nimport \"fmt\"") {
		t.Error("two markers should look like code")
	}
	if looksLikeCode("I will return to class tomorrow") {
		t.Error("single marker in prose should not look like code")
	}
}
