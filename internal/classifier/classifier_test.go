package classifier

import "testing"

func TestExtractJSON_StripsSurroundingProse(t *testing.T) {
	in := "Sure, here is the classification:\n{\"payeeType\":\"Business\",\"confidence\":0.92}\nLet me know if you need more."
	want := `{"payeeType":"Business","confidence":0.92}`
	if got := extractJSON(in); got != want {
		t.Fatalf("extractJSON(%q) = %q, want %q", in, got, want)
	}
}

func TestExtractJSON_PassesThroughBareJSON(t *testing.T) {
	in := `{"confirmed":true,"score":0.95}`
	if got := extractJSON(in); got != in {
		t.Fatalf("extractJSON should pass bare JSON through unchanged, got %q", got)
	}
}

func TestExtractJSON_NoBracesReturnsInput(t *testing.T) {
	in := "the model refused to answer"
	if got := extractJSON(in); got != in {
		t.Fatalf("expected unmodified input when no braces are present, got %q", got)
	}
}
