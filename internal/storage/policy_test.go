package storage

import (
	"regexp"
	"strings"
	"testing"
)

func TestMimeTypeAllowed(t *testing.T) {
	allowed := []string{"application/pdf", "image/jpeg", "image/png", "image/gif", "image/webp"}
	for _, mt := range allowed {
		if !MimeTypeAllowed(mt) {
			t.Errorf("expected %s to be allowed", mt)
		}
	}
	for _, mt := range []string{"text/html", "application/octet-stream", "image/svg+xml", ""} {
		if MimeTypeAllowed(mt) {
			t.Errorf("expected %s to be rejected", mt)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "invoice.pdf", "invoice.pdf"},
		{"spaces and unicode", "my invoice (final)©.pdf", "my_invoice__final__.pdf"},
		{"path traversal", "../../etc/passwd", "passwd"},
		{"windows path", `C:\Users\evil\boot.ini`, "boot.ini"},
		{"empty", "", "file"},
		{"dot", ".", "file"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeFilename(tc.in); got != tc.want {
				t.Fatalf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSanitizeFilenameTruncates(t *testing.T) {
	long := strings.Repeat("a", 300) + ".pdf"
	got := SanitizeFilename(long)
	if len(got) != 200 {
		t.Fatalf("expected 200 chars, got %d", len(got))
	}
}

func TestObjectPathShape(t *testing.T) {
	p, err := ObjectPath("prj_1", "résumé final.pdf")
	if err != nil {
		t.Fatalf("object path: %v", err)
	}
	pattern := regexp.MustCompile(`^projects/prj_1/evidence/[0-9a-f]{12}_[a-zA-Z0-9._-]+$`)
	if !pattern.MatchString(p) {
		t.Fatalf("unexpected path shape: %s", p)
	}
}

func TestObjectPathIsUnique(t *testing.T) {
	a, _ := ObjectPath("prj_1", "invoice.pdf")
	b, _ := ObjectPath("prj_1", "invoice.pdf")
	if a == b {
		t.Fatal("two uploads of the same filename must not collide")
	}
}

func TestPathBelongsToProject(t *testing.T) {
	ok, _ := ObjectPath("prj_1", "invoice.pdf")
	if !PathBelongsToProject("prj_1", ok) {
		t.Fatalf("expected own path to validate: %s", ok)
	}
	bad := []string{
		"projects/prj_2/evidence/abc_invoice.pdf",
		"projects/prj_1/evidence/../../../secrets",
		"projects/prj_1/other/abc_invoice.pdf",
		"evidence/abc_invoice.pdf",
	}
	for _, p := range bad {
		if PathBelongsToProject("prj_1", p) {
			t.Errorf("expected rejection: %s", p)
		}
	}
}
