package pathutil

import (
	"path/filepath"
	"testing"
)

func TestExpandUserAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("KVCOORD_TEST_DIR", "/etc/kvcoord")
	cases := map[string]string{
		"":                           "",
		"  ":                         "",
		"~":                          home,
		"~/config.yaml":              filepath.Join(home, "config.yaml"),
		"$KVCOORD_TEST_DIR/a.yaml":   "/etc/kvcoord/a.yaml",
		"${KVCOORD_TEST_DIR}/b.yaml": "/etc/kvcoord/b.yaml",
		"~other/config.yaml":         "~other/config.yaml",
		"relative/config.yaml":       "relative/config.yaml",
	}
	for in, want := range cases {
		got, err := ExpandUserAndEnv(in)
		if err != nil {
			t.Fatalf("ExpandUserAndEnv(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ExpandUserAndEnv(%q) = %q, want %q", in, got, want)
		}
	}
}
