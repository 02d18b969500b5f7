package version_test

import (
	"strings"
	"testing"

	v "github.com/keithlinneman/iplimit/internal/version"
)

func TestVCSDirtyTriState(t *testing.T) {
	t.Cleanup(func() { v.VCSDirty = nil })

	v.VCSDirty = nil
	if info := v.Get(); info.VCSDirty != nil {
		t.Fatalf("VCSDirty = %v, want nil", info.VCSDirty)
	}

	trueVal := true
	v.VCSDirty = &trueVal
	if info := v.Get(); info.VCSDirty == nil || !*info.VCSDirty {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}

	falseVal := false
	v.VCSDirty = &falseVal
	if info := v.Get(); info.VCSDirty == nil || *info.VCSDirty {
		t.Fatalf("VCSDirty = %v, want false", info.VCSDirty)
	}
}

func TestInfoString(t *testing.T) {
	dirty := true
	tests := []struct {
		info v.Info
		want string
	}{
		{v.Info{Version: "dev", Commit: "none"}, "dev (none)"},
		{v.Info{Version: "v1.2.0", Commit: "0123456789abcdef", BuildDate: "2026-01-01", GoVersion: "go1.24"}, "v1.2.0 (0123456789ab) built 2026-01-01 go1.24"},
		{v.Info{Version: "v1.2.0", Commit: "abc", VCSDirty: &dirty}, "v1.2.0 (abc-dirty)"},
	}
	for _, tt := range tests {
		if got := tt.info.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
	if !strings.HasPrefix(v.Get().String(), v.Version) {
		t.Fatal("Get().String() should start with the version")
	}
}
