package markdown

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
)

// File is one listed match in a report section.
type File struct {
	DisplayPath string
	Size        int64
	// Link is the view URL. Empty files have none.
	Link string
}

// Skip is a subtree the scan could not cover.
type Skip struct {
	Path   string
	Reason string
}

// Section is the report for one scanned root.
type Section struct {
	// Label names the root, e.g. "wp-content/uploads".
	Label  string
	Suffix string
	// Hint is appended when nothing was found.
	Hint    string
	Files   []File
	Skipped []Skip
}

// Kind names the files a suffix selects: ".htaccess" stays as is, other
// extensions are upper-cased ("PHP").
func Kind(suffix string) string {
	if suffix == ".htaccess" || !strings.HasPrefix(suffix, ".") {
		return suffix
	}
	return strings.ToUpper(strings.TrimPrefix(suffix, "."))
}

// BuildReport renders the sections as Markdown.
func BuildReport(title string, sections []Section) []byte {
	var b bytes.Buffer
	if title != "" {
		fmt.Fprintf(&b, "# %s\n\n", Escape(title))
	}

	for _, s := range sections {
		label := Escape(s.Label)
		kind := Escape(Kind(s.Suffix))
		fmt.Fprintf(&b, "## %s\n\n", label)

		switch n := len(s.Files); n {
		case 0:
			fmt.Fprintf(&b, "No %s files found in the **%s** directory structure.", kind, label)
			if s.Hint != "" {
				fmt.Fprintf(&b, " %s", Escape(s.Hint))
			}
			b.WriteString("\n\n")
		case 1:
			fmt.Fprintf(&b, "One %s file found in **%s**\n\n", kind, label)
		default:
			fmt.Fprintf(&b, "%d %s files found in **%s**. Please review their contents.\n\n", n, kind, label)
		}

		for _, f := range s.Files {
			b.WriteString("- ")
			b.WriteString(fileLine(f))
			b.WriteString("\n")
		}
		if len(s.Files) > 0 {
			b.WriteString("\n")
		}

		if len(s.Skipped) > 0 {
			fmt.Fprintf(&b, "Skipped %d %s:\n\n", len(s.Skipped), plural(len(s.Skipped), "entry", "entries"))
			for _, sk := range s.Skipped {
				fmt.Fprintf(&b, "- %s (%s)\n", Escape(sk.Path), Escape(sk.Reason))
			}
			b.WriteString("\n")
		}
	}
	return b.Bytes()
}

func fileLine(f File) string {
	name := Escape(f.DisplayPath)
	if f.Size == 0 || f.Link == "" {
		return name + " (empty file)"
	}
	return fmt.Sprintf("[%s](<%s> \"Click to view %s\") (%s bytes)",
		name, escapeDestination(f.Link), name, humanize.Comma(f.Size))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// BuildFileView renders name as a heading followed by content in a fenced
// code block. The fence is longer than any backtick run in content, so the
// content cannot close it.
func BuildFileView(name string, content []byte) []byte {
	fence := strings.Repeat("`", max(3, longestRun(content, '`')+1))

	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s\n\n", Escape(path.Base(name)))
	if len(content) == 0 {
		b.WriteString("(empty file)\n")
		return b.Bytes()
	}
	fmt.Fprintf(&b, "%s%s\n", fence, Language(name))
	b.Write(content)
	if content[len(content)-1] != '\n' {
		b.WriteByte('\n')
	}
	b.WriteString(fence)
	b.WriteByte('\n')
	return b.Bytes()
}

// Language returns the chroma lexer name for a retrieved file.
func Language(name string) string {
	switch {
	case strings.HasSuffix(name, ".htaccess"):
		return "apacheconf"
	case strings.HasSuffix(name, ".php"):
		return "php"
	default:
		return "text"
	}
}

func longestRun(b []byte, c byte) int {
	best, cur := 0, 0
	for _, x := range b {
		if x == c {
			cur++
			best = max(best, cur)
		} else {
			cur = 0
		}
	}
	return best
}

// Escape makes s literal Markdown inline text: ASCII punctuation is
// backslash-escaped and control characters are replaced.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteRune('\uFFFD')
		case r < 0x80 && isPunct(byte(r)):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isPunct(c byte) bool {
	return strings.IndexByte("!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~", c) >= 0
}

// escapeDestination prepares a URL for a <...> link destination.
func escapeDestination(u string) string {
	r := strings.NewReplacer("<", "%3C", ">", "%3E", "\n", "", "\r", "", " ", "%20")
	return r.Replace(u)
}
