package api

import (
	"testing"

	"github.com/hopwire/sshfwd/pkg/types"
)

func TestParseIdentityRoundTrip(t *testing.T) {
	cases := []types.SessionIdentity{
		{Host: "example.com", Port: 22, Username: "bob"},
		{Host: "10.0.0.1", Port: 2222, Username: "deploy"},
	}
	for _, want := range cases {
		got, err := parseIdentity(want.String())
		if err != nil {
			t.Fatalf("parseIdentity(%q): %v", want.String(), err)
		}
		if got != want {
			t.Fatalf("expected %+v, got %+v", want, got)
		}
	}
}

func TestParseIdentityRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"no-at-sign", "user@host-no-port", ""} {
		if _, err := parseIdentity(raw); err == nil {
			t.Fatalf("expected error parsing %q", raw)
		}
	}
}

func TestFormatValidationErrorFallsBackForNonValidatorError(t *testing.T) {
	details := formatValidationError(fakeErr{})
	if len(details) != 1 || details[0].Message != "boom" {
		t.Fatalf("expected single fallback detail, got %+v", details)
	}
}

type fakeErr struct{}

func (fakeErr) Error() string { return "boom" }
