package totp

import (
	"errors"
	"testing"
	"time"
)

// rfcSecret is the RFC 6238 appendix B test secret ("12345678901234567890")
// in base32.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestCode_RFC6238Vectors(t *testing.T) {
	// RFC 6238 vectors are 8-digit; the trailing six digits are the 6-digit
	// codes for the same time steps.
	tests := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1111111111, "050471"},
		{1234567890, "005924"},
		{2000000000, "279037"},
		{20000000000, "353130"},
	}
	for _, tt := range tests {
		got, err := Code(rfcSecret, time.Unix(tt.unix, 0).UTC())
		if err != nil {
			t.Fatalf("Code(t=%d) error = %v", tt.unix, err)
		}
		if got != tt.want {
			t.Errorf("Code(t=%d) = %s, want %s", tt.unix, got, tt.want)
		}
	}
}

func TestCode_NormalizesSecret(t *testing.T) {
	// Lowercase with spacing, as VRChat displays secrets.
	messy := "gezd gnbv gy3t qojq gezd gnbv gy3t qojq"
	want, err := Code(rfcSecret, time.Unix(59, 0).UTC())
	if err != nil {
		t.Fatalf("Code() error = %v", err)
	}
	got, err := Code(messy, time.Unix(59, 0).UTC())
	if err != nil {
		t.Fatalf("Code(messy) error = %v", err)
	}
	if got != want {
		t.Errorf("Code(messy) = %s, want %s", got, want)
	}
}

func TestCode_InvalidSecret(t *testing.T) {
	if _, err := Code("0189!!", time.Now()); !errors.Is(err, ErrInvalidSecret) {
		t.Errorf("Code(invalid) error = %v, want ErrInvalidSecret", err)
	}
}

func TestValidate_SkewWindow(t *testing.T) {
	at := time.Unix(1111111111, 0).UTC()
	code, err := Code(rfcSecret, at)
	if err != nil {
		t.Fatalf("Code() error = %v", err)
	}

	tests := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{"same step", 0, true},
		{"next step", 30 * time.Second, true},
		{"previous step", -30 * time.Second, true},
		{"two steps ahead", 60 * time.Second, false},
		{"two steps behind", -60 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := Validate(code, rfcSecret, at.Add(tt.offset))
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if ok != tt.want {
				t.Errorf("Validate() = %v, want %v", ok, tt.want)
			}
		})
	}
}
