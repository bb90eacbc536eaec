package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nickcecere/imgrep/internal/cache"
	"github.com/nickcecere/imgrep/internal/embeddings"
	"github.com/nickcecere/imgrep/internal/search"
)

// Error kinds reported in the "kind" field of error bodies.
const (
	kindValidation      = "validation"
	kindDecode          = "decode"
	kindTooLarge        = "too_large"
	kindNotFound        = "not_found"
	kindCacheCorruption = "cache_corruption"
	kindIO              = "io"
	kindInternal        = "internal"
)

func errorResponse(c *gin.Context, code int, kind, message string) {
	c.AbortWithStatusJSON(code, gin.H{
		"error": message,
		"kind":  kind,
	})
}

// classify maps an error onto its HTTP status and kind.
func classify(err error) (int, string) {
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, kindTooLarge
	case errors.Is(err, search.ErrValidation):
		return http.StatusBadRequest, kindValidation
	case errors.Is(err, embeddings.ErrDecode):
		return http.StatusUnprocessableEntity, kindDecode
	case errors.Is(err, cache.ErrCacheCorruption):
		return http.StatusInternalServerError, kindCacheCorruption
	case errors.Is(err, cache.ErrIO):
		return http.StatusInternalServerError, kindIO
	default:
		return http.StatusInternalServerError, kindInternal
	}
}

// fail records err on the context and writes the mapped error body. Server
// side failures get a generic message; the detail goes to the log.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)

	code, kind := classify(err)

	msg := err.Error()
	if code >= http.StatusInternalServerError {
		msg = http.StatusText(code)
	}

	errorResponse(c, code, kind, msg)
}
