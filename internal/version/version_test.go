package version

import "testing"

func TestPseudoVersion(t *testing.T) {
	var b Build
	if got := b.pseudo(); got != "v0.0.0-unknown" {
		t.Fatalf("pseudo without vcs = %q", got)
	}
	b = Read()
	if b.Module == "" || b.Version == "" {
		t.Fatalf("unexpected build info %+v", b)
	}
}

func TestSemverUsesLinkerVersion(t *testing.T) {
	prev := buildVersion
	t.Cleanup(func() { buildVersion = prev })
	buildVersion = "v1.4.2-rc.1+dirty"
	if got := Current(); got != "v1.4.2-rc.1+dirty" {
		t.Fatalf("current = %q", got)
	}
	if got := Semver(); got != "v1.4.2" {
		t.Fatalf("semver = %q", got)
	}
}
