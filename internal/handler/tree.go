package handler

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/CageChen/htscan/internal/inspector"
	"github.com/CageChen/htscan/internal/logger"
	"github.com/CageChen/htscan/internal/markdown"
	"github.com/gin-gonic/gin"
)

// emptyHints are appended to a report section that found nothing.
var emptyHints = map[string]string{
	".htaccess": `Consider adding one to "deny from all"`,
}

// ListingHandler serves scan results as JSON and as a rendered report.
type ListingHandler struct {
	inspector *inspector.Inspector
	renderer  *renderer
}

// NewListingHandler creates a new listing handler
func NewListingHandler(in *inspector.Inspector) *ListingHandler {
	return &ListingHandler{inspector: in, renderer: newRenderer()}
}

// GetRoots returns the configured roots
func (h *ListingHandler) GetRoots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"roots": h.inspector.Roots(),
	})
}

// GetMatches scans one root and returns its matches and skipped subtrees
func (h *ListingHandler) GetMatches(c *gin.Context) {
	listing, err := h.inspector.ListMatches(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.scanError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// GetReport renders every root, or only ?root=key, as an HTML report
func (h *ListingHandler) GetReport(c *gin.Context) {
	var listings []*inspector.Listing
	if key := c.Query("root"); key != "" {
		l, err := h.inspector.ListMatches(c.Request.Context(), key)
		if err != nil {
			h.scanError(c, err)
			return
		}
		listings = []*inspector.Listing{l}
	} else {
		all, err := h.inspector.ListAll(c.Request.Context())
		if err != nil {
			h.scanError(c, err)
			return
		}
		listings = all
	}

	sections := make([]markdown.Section, 0, len(listings))
	for _, l := range listings {
		sections = append(sections, reportSection(l))
	}
	h.renderer.render(c, http.StatusOK, "Scan report", markdown.BuildReport("Scan report", sections))
}

func reportSection(l *inspector.Listing) markdown.Section {
	s := markdown.Section{
		Label:  l.Root.Label,
		Suffix: l.Root.Suffix,
		Hint:   emptyHints[l.Root.Suffix],
	}
	for _, m := range l.Matches {
		f := markdown.File{DisplayPath: m.DisplayPath, Size: m.Size}
		if m.Token != "" {
			f.Link = "/view?path=" + url.QueryEscape(m.Token)
		}
		s.Files = append(s.Files, f)
	}
	for _, sk := range l.Skipped {
		s.Skipped = append(s.Skipped, markdown.Skip{Path: sk.Path, Reason: sk.Reason})
	}
	return s
}

func (h *ListingHandler) scanError(c *gin.Context, err error) {
	if errors.Is(err, inspector.ErrUnknownRoot) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown root"})
		return
	}
	logger.Error("%s: %v", c.GetString(requestIDKey), err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "scan failed"})
}
