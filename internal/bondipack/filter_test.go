package bondipack

import (
	"strings"
	"testing"
)

func TestFilterEval(t *testing.T) {
	terms := map[string]bool{"target-build": true, "x86_64": true, "musl": true, "tools-x86_64": true}

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"true", true},
		{"false", false},
		{"x86_64", true},
		{"aarch64", false},
		{"!aarch64", true},
		{"x86_64 and musl", true},
		{"x86_64 and glibc", false},
		{"glibc or musl", true},
		{"aarch64 or x86_64 and glibc", false},
		{"(aarch64 or x86_64) and !glibc", true},
		{"!(target-build and tools-x86_64)", false},
		{"!!musl", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := ParseFilter(tt.expr)
			if err != nil {
				t.Fatalf("ParseFilter() error = %v", err)
			}
			if got := f.Eval(terms); got != tt.want {
				t.Errorf("Eval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseFilterErrors(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"x86_64 and", "right hand operand"},
		{"or musl", "left hand operand"},
		{"(musl", "unmatched '('"},
		{"musl)", "syntax error at position 5"},
		{"Musl", "invalid token"},
		{"musl glibc", "syntax error at position 6"},
		{"!", "requires an operand"},
		{strings.Repeat("(", 100) + "musl" + strings.Repeat(")", 100), "recursion"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := ParseFilter(tt.expr)
			if err == nil {
				t.Fatalf("ParseFilter(%q) error = nil", tt.expr)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseFilter() error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestNilFilterIsTrue(t *testing.T) {
	var f *Filter
	if !f.Eval(nil) {
		t.Errorf("nil filter Eval() = false")
	}
	if f.String() != "" {
		t.Errorf("nil filter String() = %q", f.String())
	}
}

func TestTrueTerms(t *testing.T) {
	cfg := &BuildConfig{Arch: "aarch64", ToolsArch: "x86_64", Libc: LibcGlibc, BuildFor: BuildForCrossTools}
	terms := TrueTerms(cfg)
	for _, w := range []string{"cross-tools-build", "tools-x86_64", "aarch64", "glibc"} {
		if !terms[w] {
			t.Errorf("TrueTerms() lacks %q", w)
		}
	}
	if terms["target-build"] {
		t.Errorf("TrueTerms() contains target-build for a cross-tools build")
	}
}

func TestTrueTermsMatchFiltersCaseInsensitively(t *testing.T) {
	cfg := &BuildConfig{Arch: "AArch64", ToolsArch: "X86_64", Libc: LibcMusl, BuildFor: BuildForTools}
	terms := TrueTerms(cfg)
	for _, expr := range []string{"aarch64", "tools-x86_64", "tools-x86_64 and tools-build"} {
		f, err := ParseFilter(expr)
		if err != nil {
			t.Fatalf("ParseFilter(%q) error = %v", expr, err)
		}
		if !f.Eval(terms) {
			t.Errorf("%q is false for arch %s, tools arch %s", expr, cfg.Arch, cfg.ToolsArch)
		}
	}
}
