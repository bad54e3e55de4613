package classify

import "testing"

func TestDefaultPolicy(t *testing.T) {
	p := MustPolicy(DefaultPatterns)

	tests := []struct {
		msg     string
		benign  bool
		pattern string
	}{
		{"Please subscribe to unlock 1080p resolution", true, `re:(?i)\bsubscribe\b`},
		{"RESOLUTION not available on your plan", true, `re:(?i)\bresolution\b`},
		{"Monthly quota reached", true, `re:(?i)\bquota\b`},
		{"Your Trial has ended", true, `re:(?i)\btrial\b`},
		{"Please upgrade your plan for 4K", true, "upgrade your plan"},
		{"Renderer crashed: invalid avatar", false, ""},
		{"industrial printer backdrop failed to load", false, ""},
		{"subscriber id missing from request", false, ""},
		{"quotation marks are not allowed in the script", false, ""},
		{"irresolution detected in audio track", false, ""},
		{"", false, ""},
	}
	for _, tt := range tests {
		v := p.Classify(tt.msg)
		if v.Benign != tt.benign {
			t.Fatalf("Classify(%q).Benign = %v, want %v", tt.msg, v.Benign, tt.benign)
		}
		if v.Pattern != tt.pattern {
			t.Fatalf("Classify(%q).Pattern = %q, want %q", tt.msg, v.Pattern, tt.pattern)
		}
		if tt.benign && v.Note != "limited tier: "+tt.msg {
			t.Fatalf("unexpected note %q", v.Note)
		}
	}
}

func TestRegexPattern(t *testing.T) {
	p, err := NewPolicy([]string{"  ", `re:(?i)watermark(ed)?\s+only`})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	if got := p.Patterns(); len(got) != 1 {
		t.Fatalf("expected blank entries to be skipped, got %v", got)
	}
	if !p.Classify("Output is Watermarked only").Benign {
		t.Fatalf("expected regex match")
	}
	if p.Classify("watermark missing").Benign {
		t.Fatalf("unexpected regex match")
	}
}

func TestInvalidRegex(t *testing.T) {
	if _, err := NewPolicy([]string{"re:(unclosed"}); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestNilPolicyTreatsEverythingAsFailure(t *testing.T) {
	var p *Policy
	if p.Classify("please subscribe").Benign {
		t.Fatalf("nil policy must not reclassify")
	}
}
