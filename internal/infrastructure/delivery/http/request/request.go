// Package request holds the decoded bodies of API requests.
package request

import (
	"strings"

	"mediaq/internal/entity"
	"mediaq/internal/errs"
	"mediaq/pkg/urls"
)

// Submit is the body of POST /v1/jobs and POST /v1/playlists.
type Submit struct {
	URL     string         `json:"url"`
	Options entity.Options `json:"options"`
}

// Validate checks the URL.
func (s *Submit) Validate() error {
	s.URL = strings.TrimSpace(s.URL)

	if !urls.IsURLValid(s.URL) {
		return errs.ErrInvalidURL
	}

	return nil
}
