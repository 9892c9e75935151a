// Package handler provides the HTTP surface of htscan: scan listings, the
// rendered report, file retrieval and live change notifications.
package handler

import (
	"encoding/base64"
	"net/http"
	"unicode/utf8"

	"github.com/CageChen/htscan/internal/inspector"
	"github.com/CageChen/htscan/internal/markdown"
	"github.com/gin-gonic/gin"
)

// RetrieveRequest is the body of POST /api/retrieve.
type RetrieveRequest struct {
	Path string `json:"path" binding:"required"`
}

// RetrieveResponse carries a retrieved file. Content is plain text when the
// file is valid UTF-8 and base64 otherwise, as named by Encoding.
type RetrieveResponse struct {
	OK       bool   `json:"ok"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// FileHandler handles file retrieval requests
type FileHandler struct {
	inspector *inspector.Inspector
	renderer  *renderer
}

// NewFileHandler creates a new file handler
func NewFileHandler(in *inspector.Inspector) *FileHandler {
	return &FileHandler{inspector: in, renderer: newRenderer()}
}

func failureStatus(r inspector.Retrieval) int {
	if r.Reason == inspector.ReasonInvalidPath {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Retrieve returns the content of the file named in the JSON body
func (h *FileHandler) Retrieve(c *gin.Context) {
	var req RetrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, RetrieveResponse{Reason: inspector.ReasonInvalidPath})
		return
	}

	res := h.inspector.RetrieveFile(c.Request.Context(), req.Path, operator(c))
	if !res.OK {
		c.JSON(failureStatus(res), RetrieveResponse{Reason: res.Reason})
		return
	}

	resp := RetrieveResponse{OK: true, Encoding: "utf-8", Content: string(res.Content)}
	if !utf8.Valid(res.Content) {
		resp.Encoding = "base64"
		resp.Content = base64.StdEncoding.EncodeToString(res.Content)
	}
	c.JSON(http.StatusOK, resp)
}

// GetRaw returns the unmodified bytes of ?path= as plain text
func (h *FileHandler) GetRaw(c *gin.Context) {
	res := h.inspector.RetrieveFile(c.Request.Context(), c.Query("path"), operator(c))
	if !res.OK {
		c.JSON(failureStatus(res), gin.H{"error": res.Reason})
		return
	}
	c.Header("Content-Disposition", "inline")
	c.Data(http.StatusOK, "text/plain; charset=utf-8", res.Content)
}

// GetView renders ?path= as an escaped, highlighted HTML page
func (h *FileHandler) GetView(c *gin.Context) {
	path := c.Query("path")
	res := h.inspector.RetrieveFile(c.Request.Context(), path, operator(c))
	if !res.OK {
		src := "# View file\n\n" + markdown.Escape(res.Reason) + "\n"
		h.renderer.render(c, failureStatus(res), "View file", []byte(src))
		return
	}
	h.renderer.render(c, http.StatusOK, "View file", markdown.BuildFileView(path, res.Content))
}
