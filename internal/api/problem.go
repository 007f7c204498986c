package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/amr-classifier-server/internal/domain"
)

// Problem is an RFC 7807 problem-details body.
type Problem struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	Errors   []ProblemError `json:"errors,omitempty"`
}

// ProblemError is one entry in a problem's error collection.
type ProblemError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Problem type URIs. Stable identifiers, not resolvable documents.
const (
	problemTypeAdapter     = "https://amr-classifier.dev/problems/adapter-error"
	problemTypeUnsupported = "https://amr-classifier.dev/problems/unsupported-format"
	problemTypeCatalog     = "https://amr-classifier.dev/problems/catalog-invalid"
	problemTypeInternal    = "https://amr-classifier.dev/problems/internal"
)

func writeProblem(c *gin.Context, p Problem) {
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(p.Status, p)
}

// problemFromParseError maps adapter failures onto problem responses.
func problemFromParseError(c *gin.Context, err error) {
	var adapterErr *domain.AdapterError
	switch {
	case errors.Is(err, domain.ErrUnsupportedFormat):
		writeProblem(c, Problem{
			Type:     problemTypeUnsupported,
			Title:    "Unsupported payload format",
			Status:   http.StatusUnsupportedMediaType,
			Detail:   "payload is not recognizable as FHIR, HL7 v2 or a native record",
			Instance: c.Request.URL.Path,
		})
	case errors.As(err, &adapterErr):
		writeProblem(c, Problem{
			Type:     problemTypeAdapter,
			Title:    "Malformed payload",
			Status:   http.StatusBadRequest,
			Detail:   adapterErr.Error(),
			Instance: c.Request.URL.Path,
		})
	default:
		writeProblem(c, Problem{
			Type:     problemTypeInternal,
			Title:    "Internal error",
			Status:   http.StatusInternalServerError,
			Detail:   err.Error(),
			Instance: c.Request.URL.Path,
		})
	}
}

// problemFromLoadError renders a catalog validation failure with every
// collected violation.
func problemFromLoadError(c *gin.Context, err error) {
	var loadErr *domain.LoadError
	if !errors.As(err, &loadErr) {
		writeProblem(c, Problem{
			Type:     problemTypeInternal,
			Title:    "Catalog load failed",
			Status:   http.StatusInternalServerError,
			Detail:   err.Error(),
			Instance: c.Request.URL.Path,
		})
		return
	}
	p := Problem{
		Type:     problemTypeCatalog,
		Title:    "Catalog validation failed",
		Status:   http.StatusUnprocessableEntity,
		Detail:   loadErr.Error(),
		Instance: c.Request.URL.Path,
	}
	for _, v := range loadErr.Violations {
		p.Errors = append(p.Errors, ProblemError{Path: v.Path, Message: v.Message})
	}
	writeProblem(c, p)
}
