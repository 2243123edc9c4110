package extractor

import "testing"

func TestSanitizeArchiveName(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{raw: "frames_1s.zip", want: "frames_1s.zip"},
		{raw: "", want: "frames_1s.zip"},
		{raw: "   ", want: "frames_1s.zip"},
		{raw: "my frames", want: "my frames.zip"},
		{raw: "clip.ZIP", want: "clip.ZIP"},
		{raw: "résumé.zip", want: "resume.zip"},
		{raw: "../../etc/passwd", want: "passwd.zip"},
		{raw: "..\\..\\share\\out.zip", want: "out.zip"},
		{raw: "we\"ird;na|me.zip", want: "weirdname.zip"},
		{raw: "日本語", want: "frames_1s.zip"},
		{raw: ".zip", want: "frames_1s.zip"},
	}
	for _, tc := range cases {
		if got := SanitizeArchiveName(tc.raw); got != tc.want {
			t.Fatalf("SanitizeArchiveName(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
