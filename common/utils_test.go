package common

import "testing"

func TestMaskSecret(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "<not set>"},
		{"short", "***"},
		{"myverylongsecretkey123", "myve...y123"},
	}
	for _, c := range cases {
		if got := MaskSecret(c.in); got != c.want {
			t.Errorf("MaskSecret(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
