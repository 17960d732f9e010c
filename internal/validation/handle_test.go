package validation

import (
	"errors"
	"testing"
)

func TestValidateHandle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		handle string
		want   error
	}{
		{name: "plain", handle: "ada", want: nil},
		{name: "digits and underscore", handle: "grace_1906", want: nil},
		{name: "maximum length", handle: "abcdefghijklmnopqrst", want: nil},
		{name: "too short", handle: "ab", want: ErrHandleFormat},
		{name: "too long", handle: "abcdefghijklmnopqrstu", want: ErrHandleFormat},
		{name: "uppercase", handle: "Ada", want: ErrHandleFormat},
		{name: "hyphen", handle: "dash-ed", want: ErrHandleFormat},
		{name: "space", handle: "has space", want: ErrHandleFormat},
		{name: "empty", handle: "", want: ErrHandleFormat},
		{name: "reserved admin", handle: "admin", want: ErrHandleReserved},
		{name: "reserved route segment", handle: "search", want: ErrHandleReserved},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := ValidateHandle(tc.handle); !errors.Is(err, tc.want) {
				t.Fatalf("ValidateHandle(%q) = %v, want %v", tc.handle, err, tc.want)
			}
		})
	}
}

func TestNormalizeHandle(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"@Ada":       "ada",
		"  grace_h ": "grace_h",
		"LINUS":      "linus",
	} {
		if got := NormalizeHandle(in); got != want {
			t.Errorf("NormalizeHandle(%q) = %q, want %q", in, got, want)
		}
	}
}
