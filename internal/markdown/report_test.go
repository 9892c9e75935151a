package markdown

import (
	"strings"
	"testing"
)

func TestKind(t *testing.T) {
	tests := map[string]string{
		".htaccess":  ".htaccess",
		".php":       "PHP",
		".phtml":     "PHTML",
		"web.config": "web.config",
	}
	for in, want := range tests {
		if got := Kind(in); got != want {
			t.Errorf("Kind(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildReport_Wording(t *testing.T) {
	report := string(BuildReport("", []Section{
		{Label: "wp-includes", Suffix: ".htaccess", Hint: `Consider adding one to "deny from all"`},
		{Label: "wp-content", Suffix: ".htaccess", Files: []File{
			{DisplayPath: "plugins/foo/.htaccess", Size: 1234, Link: "/view?path=wp-content%2Fplugins%2Ffoo%2F.htaccess"},
		}},
		{Label: "wp-content/uploads", Suffix: ".php", Files: []File{
			{DisplayPath: "2024/shell.php", Size: 25, Link: "/view?path=x"},
			{DisplayPath: "evil.php", Size: 0},
		}},
	}))

	for _, want := range []string{
		`No \.htaccess files found in the **wp\-includes** directory structure. Consider adding one to \"deny from all\"`,
		`One \.htaccess file found in **wp\-content**`,
		`2 PHP files found in **wp\-content\/uploads**. Please review their contents.`,
		`(1,234 bytes)`,
		`evil\.php (empty file)`,
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}

func TestBuildReport_RendersSafely(t *testing.T) {
	p := NewParser()
	src := BuildReport("Scan <results>", []Section{{
		Label:  "wp-content",
		Suffix: ".php",
		Files: []File{
			{DisplayPath: "<img src=x onerror=alert(1)>.php", Size: 3, Link: "/view?path=a"},
			{DisplayPath: "[click](javascript:alert(1)).php", Size: 3, Link: "/view?path=b"},
			{DisplayPath: "**bold**\n# heading.php", Size: 0},
		},
		Skipped: []Skip{{Path: "locked", Reason: "permission denied"}},
	}})

	res, err := p.Parse(src)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	html := res.HTML

	if strings.Contains(html, "<img") || strings.Contains(html, "<results>") {
		t.Errorf("raw HTML leaked into report:\n%s", html)
	}
	if strings.Contains(html, `href="javascript:`) {
		t.Errorf("file name produced a link:\n%s", html)
	}
	if strings.Contains(html, "<strong>bold</strong>") {
		t.Errorf("file name produced emphasis:\n%s", html)
	}
	if !strings.Contains(html, "&lt;img src=x onerror=alert(1)&gt;.php") {
		t.Errorf("escaped file name missing:\n%s", html)
	}
	if !strings.Contains(html, `href="/view?path=a"`) {
		t.Errorf("view link missing:\n%s", html)
	}
	if !strings.Contains(html, "locked (permission denied)") {
		t.Errorf("skip record missing:\n%s", html)
	}
}

func TestBuildFileView(t *testing.T) {
	content := []byte("<?php\n// ```` fence\necho '<script>alert(1)</script>';\n")
	src := BuildFileView("wp-content/uploads/shell.php", content)

	if !strings.HasPrefix(string(src), "# shell\\.php\n\n`````php\n") {
		t.Fatalf("unexpected view header:\n%s", src)
	}

	res, err := NewParser().Parse(src)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if strings.Contains(res.HTML, "<script>") {
		t.Errorf("script tag leaked:\n%s", res.HTML)
	}
	if !strings.Contains(res.HTML, "<pre") {
		t.Errorf("expected a code block:\n%s", res.HTML)
	}
}

func TestBuildFileView_Empty(t *testing.T) {
	src := string(BuildFileView(".htaccess", nil))
	if !strings.Contains(src, "(empty file)") {
		t.Errorf("expected empty marker, got %q", src)
	}
}

func TestLanguage(t *testing.T) {
	if Language("a/.htaccess") != "apacheconf" || Language("x.php") != "php" || Language("x.txt") != "text" {
		t.Error("unexpected lexer mapping")
	}
}

func TestLongestRun(t *testing.T) {
	if got := longestRun([]byte("a`b``c```d"), '`'); got != 3 {
		t.Errorf("longestRun = %d, want 3", got)
	}
}

func TestEscape(t *testing.T) {
	if got := Escape("a_b*c\nd"); got != "a\\_b\\*c\uFFFDd" {
		t.Errorf("Escape = %q", got)
	}
}

func TestStyleCSS_Report(t *testing.T) {
	css, err := StyleCSS()
	if err != nil {
		t.Fatalf("StyleCSS failed: %v", err)
	}
	if !strings.Contains(css, ".chroma") {
		t.Error("expected chroma classes in stylesheet")
	}
}
