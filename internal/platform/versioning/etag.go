package versioning

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// Versioned is implemented by records that carry a revision token.
type Versioned interface {
	GetVersionID() int
	SetVersionID(v int)
}

// SetVersionHeaders sets the ETag header for a revisioned record.
func SetVersionHeaders(c echo.Context, versionID int) {
	c.Response().Header().Set("ETag", FormatETag(versionID))
}

// ExpectedVersion returns the revision a write is conditioned on. The If-Match
// header wins over the body value; 0 means the caller supplied neither.
func ExpectedVersion(c echo.Context, bodyVersion int) (int, error) {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return bodyVersion, nil
	}
	v, err := ParseETag(ifMatch)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header: "+err.Error())
	}
	return v, nil
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return v, nil
}

// FormatETag creates a weak ETag from a version ID.
func FormatETag(versionID int) string {
	return fmt.Sprintf(`W/"%d"`, versionID)
}
