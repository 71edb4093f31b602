package markdown

import (
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	out, err := Render([]byte("# Daily Notes\n\n- [x] done\n- [ ] todo\n\n| a | b |\n|---|---|\n| 1 | 2 |\n\n~~old~~\n"))
	if err != nil {
		t.Fatal(err)
	}
	html := string(out)

	for _, want := range []string{
		`<h1 id="daily-notes">Daily Notes</h1>`,
		`<table>`,
		`type="checkbox"`,
		`<del>old</del>`,
	} {
		if !strings.Contains(html, want) {
			t.Errorf("expected %q in output:\n%s", want, html)
		}
	}
}

func TestRenderOmitsRawHTML(t *testing.T) {
	out, err := Render([]byte("hello <script>alert(1)</script>\n"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "<script>") {
		t.Errorf("raw html leaked: %s", out)
	}
}

func TestRenderEmpty(t *testing.T) {
	out, err := Render(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty output, got %q", out)
	}
}
