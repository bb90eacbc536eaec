package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nickcecere/imgrep/internal/embeddings"
	"github.com/nickcecere/imgrep/internal/index"
	"github.com/nickcecere/imgrep/internal/search"
)

var dataURIPrefix = regexp.MustCompile(`^data:image/.+;base64,`)

type searchRequest struct {
	Image      string `json:"image"`
	SearchText string `json:"search_text"`
	TopK       *int   `json:"top_k"`
}

type searchResponse struct {
	Results []string       `json:"results"`
	Matches []index.Result `json:"matches"`
}

func (s *Server) handleIndex(c *gin.Context) {
	st := s.backend.Status()

	c.HTML(http.StatusOK, "index.html", gin.H{
		"Images":  st.Images,
		"Model":   st.Model,
		"TopK":    s.cfg.Search.TopK,
		"MaxTopK": s.cfg.Search.MaxTopK,
	})
}

// handleImage serves one corpus image by file name.
func (s *Server) handleImage(c *gin.Context) {
	name := c.Param("name")
	if !servableName(name) || !s.backend.Accepts(name) {
		errorResponse(c, http.StatusNotFound, kindNotFound, "image not found")
		return
	}

	path := filepath.Join(s.backend.ImageDir(), name)

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		errorResponse(c, http.StatusNotFound, kindNotFound, "image not found")
		return
	}

	c.File(path)
}

// handleSearch answers GET and POST /api. The JSON body carries image (a
// base64 payload, optionally a data URI) and/or search_text; a bodyless GET
// may use the search_text and top_k query parameters instead.
func (s *Server) handleSearch(c *gin.Context) {
	req, err := s.parseSearchRequest(c)
	if err != nil {
		fail(c, err)
		return
	}

	q := search.Query{
		Text: req.SearchText,
		TopK: s.cfg.Search.TopK,
	}
	if req.TopK != nil {
		q.TopK = *req.TopK
	}

	if req.Image != "" {
		img, err := decodeImagePayload(req.Image, s.cfg.Images.MaxPixels)
		if err != nil {
			fail(c, err)
			return
		}
		q.Image = img
	}

	resp, err := s.backend.Search(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}

	out := searchResponse{
		Results: make([]string, len(resp.Results)),
		Matches: resp.Results,
	}
	for i, r := range resp.Results {
		out.Results[i] = "/images/" + url.PathEscape(r.Name)
	}

	c.JSON(http.StatusOK, out)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Status())
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.backend.Status()

	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"images":     st.Images,
		"dimensions": st.Dimensions,
		"provider":   st.Provider,
		"model":      st.Model,
	})
}

func (s *Server) parseSearchRequest(c *gin.Context) (*searchRequest, error) {
	body, err := c.GetRawData()
	if err != nil {
		return nil, err
	}

	req := &searchRequest{}

	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, req); err != nil {
			return nil, fmt.Errorf("%w: malformed JSON body: %v", search.ErrValidation, err)
		}
		return req, nil
	}

	req.SearchText = c.Query("search_text")

	if raw := c.Query("top_k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: top_k must be an integer", search.ErrValidation)
		}
		req.TopK = &k
	}

	return req, nil
}

// decodeImagePayload strips an optional data URI prefix, then decodes the
// base64 payload and the image inside it.
func decodeImagePayload(payload string, maxPixels int64) (image.Image, error) {
	raw := dataURIPrefix.ReplaceAllString(strings.TrimSpace(payload), "")

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64 payload: %v", embeddings.ErrDecode, err)
	}

	return embeddings.DecodeImage(bytes.NewReader(data), maxPixels)
}

// servableName rejects anything that could address a file outside the
// image directory.
func servableName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return filepath.Base(name) == name
}
