package handler

import (
	"html/template"
	"net/http"

	"github.com/CageChen/htscan/internal/logger"
	"github.com/CageChen/htscan/internal/markdown"
	"github.com/gin-gonic/gin"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em auto; max-width: 60em; padding: 0 1em; }
ul { list-style: disc; } li { margin-left: 20px; }
pre { padding: 1em; overflow-x: auto; }
nav a { margin-right: 1em; }
</style>
<style>{{.CSS}}</style>
</head>
<body>
{{if gt (len .Nav) 1}}<nav>{{range .Nav}}<a href="#{{.ID}}">{{.Title}}</a> {{end}}</nav>
{{end}}{{.Body}}
</body>
</html>
`))

type page struct {
	Title string
	CSS   template.CSS
	Body  template.HTML
	Nav   []markdown.Heading
}

// renderer turns Markdown into a standalone HTML page.
type renderer struct {
	parser *markdown.Parser
	css    template.CSS
}

func newRenderer() *renderer {
	css, err := markdown.StyleCSS()
	if err != nil {
		logger.Warn("highlight stylesheet unavailable: %v", err)
	}
	return &renderer{parser: markdown.NewParser(), css: template.CSS(css)}
}

// render writes src as an HTML page. The Markdown parser does not pass raw
// HTML through, so its output is trusted as template.HTML.
func (r *renderer) render(c *gin.Context, status int, fallbackTitle string, src []byte) {
	res, err := r.parser.Parse(src)
	if err != nil {
		logger.Error("%s: render: %v", c.GetString(requestIDKey), err)
		c.String(http.StatusInternalServerError, "failed to render page")
		return
	}

	title := res.Title
	if title == "" {
		title = fallbackTitle
	}

	c.Header("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; base-uri 'none'; form-action 'none'")
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(status)
	if err := pageTemplate.Execute(c.Writer, page{Title: title, CSS: r.css, Body: template.HTML(res.HTML), Nav: res.Sections()}); err != nil {
		logger.Error("%s: write page: %v", c.GetString(requestIDKey), err)
	}
}
