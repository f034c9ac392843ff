package version

import (
	"strings"
	"testing"
)

func TestPseudoVersion(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   vcsInfo
		want string
	}{
		{vcsInfo{revision: "0123456789abcdef", time: "2026-03-04T05:06:07Z"}, "v0.0.0-20260304050607-0123456789ab"},
		{vcsInfo{revision: "abc", time: "2026-03-04T05:06:07Z", modified: true}, "v0.0.0-20260304050607-abc+dirty"},
		{vcsInfo{revision: "abc"}, ""},
		{vcsInfo{revision: "abc", time: "yesterday"}, ""},
	}
	for _, tc := range cases {
		if got := pseudoVersion(tc.in); got != tc.want {
			t.Fatalf("pseudoVersion(%+v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestReadFillsPlatform(t *testing.T) {
	t.Parallel()

	info := Read()
	if info.Version == "" || info.Module == "" {
		t.Fatalf("incomplete info %+v", info)
	}
	if !strings.Contains(info.Platform, "/") || !strings.HasPrefix(info.GoVersion, "go") {
		t.Fatalf("unexpected runtime fields %+v", info)
	}
}
