package storage

import (
	"strings"
	"testing"

	"asisaid.cn/unistore/internal/common/errors"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		security bool
		invalid  bool
	}{
		{"plain", "photo.jpg", false, false},
		{"spaces and unicode", "my résumé (final).pdf", false, false},
		{"empty", "", false, true},
		{"whitespace", "   ", false, true},
		{"too long", strings.Repeat("a", MaxNameLength+1), false, true},
		{"long extension", "a." + strings.Repeat("x", 240), false, true},
		{"dot dot", "../etc/passwd", true, false},
		{"embedded dot dot", "a..b", true, false},
		{"slash", "a/b.txt", true, false},
		{"backslash", `a\b.txt`, true, false},
		{"null byte", "a\x00.jpg", true, false},
		{"encoded traversal", "%2e%2e%2fetc", true, false},
		{"encoded slash", "a%2Fb.txt", true, false},
		{"encoded null", "a%00.jpg", true, false},
		{"malformed encoding", "bad%zz.txt", true, false},
		{"colon in extension", "clip.mp4:1", true, false},
		{"pipe", "report.v1|2", true, false},
		{"question mark", "notes.txt?", true, false},
		{"star", "a.b*c", true, false},
		{"angle brackets", "<b>.html", true, false},
		{"quote", `say".txt`, true, false},
		{"encoded pipe", "a%7Cb.txt", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			switch {
			case tt.security:
				if !errors.IsSecurity(err) {
					t.Fatalf("ValidateName(%q) = %v, want security rejection", tt.input, err)
				}
				if got := errors.Reason(err); got != "invalid file name" {
					t.Errorf("reason = %q, want generic wording", got)
				}
			case tt.invalid:
				if !errors.IsValidation(err) {
					t.Fatalf("ValidateName(%q) = %v, want validation error", tt.input, err)
				}
			default:
				if err != nil {
					t.Fatalf("ValidateName(%q) = %v, want nil", tt.input, err)
				}
			}
		})
	}
}

func TestValidateFolder(t *testing.T) {
	valid := []string{"users/42", "avatars", "a/b/c", "2026-reports", "a.b/c_d"}
	for _, f := range valid {
		if err := ValidateFolder(f); err != nil {
			t.Errorf("ValidateFolder(%q) = %v, want nil", f, err)
		}
	}

	rejected := []string{
		"../x",
		"users/../admin",
		"/abs",
		"trailing/",
		"a//b",
		"a/./b",
		"a/ /b",
		"a\x00b",
		"a<b",
		"a|b",
		`a\b`,
		"%2e%2e/x",
		"users%2F..%2Fadmin",
		"a%2F%2Fb",
	}
	for _, f := range rejected {
		err := ValidateFolder(f)
		if !errors.IsSecurity(err) {
			t.Errorf("ValidateFolder(%q) = %v, want security rejection", f, err)
			continue
		}
		if errors.Reason(err) != "invalid path" {
			t.Errorf("ValidateFolder(%q) leaked reason %q", f, errors.Reason(err))
		}
	}

	if err := ValidateFolder(""); !errors.IsValidation(err) {
		t.Errorf("ValidateFolder(\"\") = %v, want validation error", err)
	}
}

func TestValidateReference(t *testing.T) {
	if err := ValidateReference("users/42/2026/01/1767225600000_abcd1234_photo.jpg"); err != nil {
		t.Fatalf("valid reference rejected: %v", err)
	}
	long := strings.Repeat("f", 200) + "/2026/01/1767225600000_abcd1234_" + strings.Repeat("n", 180) + ".txt"
	if err := ValidateReference(long); err != nil {
		t.Errorf("reference longer than one name rejected: %v", err)
	}
	for _, ref := range []string{"../secret", "2026/01/..", "a/b/%2e%2e", "/etc/passwd", "a/b/c\x00", "2026/01/x.mp4:1", "2026/01/a.b*c"} {
		err := ValidateReference(ref)
		if !errors.IsSecurity(err) {
			t.Errorf("ValidateReference(%q) = %v, want security rejection", ref, err)
			continue
		}
		if errors.Reason(err) != "invalid path" {
			t.Errorf("ValidateReference(%q) leaked reason %q", ref, errors.Reason(err))
		}
	}
}

func TestValidatePrefix(t *testing.T) {
	for _, p := range []string{"", "users/42/", "users/42", "users"} {
		if err := ValidatePrefix(p); err != nil {
			t.Errorf("ValidatePrefix(%q) = %v, want nil", p, err)
		}
	}
	for _, p := range []string{"/", "../", "users/../", "users//"} {
		if err := ValidatePrefix(p); err == nil {
			t.Errorf("ValidatePrefix(%q) = nil, want error", p)
		}
	}
}
