package firmware

import "testing"

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in    string
		kind  VersionKind
		parts []int
		num   uint64
	}{
		{"v2.1.0", KindStable, []int{2, 1, 0}, 0},
		{"v2.1", KindStable, []int{2, 1}, 0},
		{"v10", KindStable, []int{10}, 0},
		{"D1717000000", KindDev, nil, 1717000000},
		{"DV42", KindDev, nil, 42},
		{"2.1.0", KindOther, nil, 0},
		{"vX.1", KindOther, nil, 0},
		{"D", KindOther, nil, 0},
		{"Dabc", KindOther, nil, 0},
		{"", KindOther, nil, 0},
		{"v", KindOther, nil, 0},
		{"v1..2", KindOther, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseVersion(tt.in)
			if got.Kind != tt.kind {
				t.Fatalf("kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Raw != tt.in {
				t.Errorf("raw = %q, want %q", got.Raw, tt.in)
			}
			if tt.kind == KindStable {
				if len(got.Parts) != len(tt.parts) {
					t.Fatalf("parts = %v, want %v", got.Parts, tt.parts)
				}
				for i := range tt.parts {
					if got.Parts[i] != tt.parts[i] {
						t.Errorf("parts = %v, want %v", got.Parts, tt.parts)
						break
					}
				}
			}
			if tt.kind == KindDev && got.Num != tt.num {
				t.Errorf("num = %d, want %d", got.Num, tt.num)
			}
		})
	}
}

func TestVersionIsNewer(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"stable greater patch", "v2.0.1", "v2.0.0", true},
		{"stable lesser patch", "v2.0.0", "v2.0.1", false},
		{"stable equal", "v2.0.0", "v2.0.0", false},
		{"stable major beats minor", "v3.0.0", "v2.9.9", true},
		{"stable shorter prefix is newer", "v2.1", "v2.1.0", true},
		{"stable longer prefix is not newer", "v2.1.0", "v2.1", false},
		{"dev greater", "D20", "D10", true},
		{"dev lesser", "D10", "D20", false},
		{"dev equal", "D10", "D10", false},
		{"stable over other", "v1.0.0", "garbage", true},
		{"other under stable", "garbage", "v1.0.0", false},
		{"other under other", "garbage", "junk", false},
		{"stable forces over dev", "v1.0.0", "D999999", true},
		{"dev forces over stable", "D1", "v999.0.0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := ParseVersion(tt.a), ParseVersion(tt.b)
			if got := a.IsNewer(b); got != tt.want {
				t.Errorf("%q.IsNewer(%q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestVersionIsNewerAntisymmetric(t *testing.T) {
	// Within one variant, IsNewer is a strict order: irreflexive and
	// antisymmetric.
	versions := []string{
		"v1.0.0", "v1.0.1", "v2.0.0", "v2.1", "v2.1.0", "v2.1.0.5",
		"D1", "D10", "D1717000000",
		"junk", "other",
	}

	for _, as := range versions {
		a := ParseVersion(as)
		if a.IsNewer(a) {
			t.Errorf("%q.IsNewer(itself) = true", as)
		}
		for _, bs := range versions {
			b := ParseVersion(bs)
			if a.Kind != b.Kind {
				continue
			}
			if a.IsNewer(b) && b.IsNewer(a) {
				t.Errorf("IsNewer not antisymmetric for %q and %q", as, bs)
			}
		}
	}
}
