package game

import (
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var policy = bluemonday.StrictPolicy()

// SanitizeString removes any HTML and trims whitespace from user input.
func SanitizeString(input string) string {
	cleaned := policy.Sanitize(input)
	cleaned = strings.TrimSpace(cleaned)
	return cleaned
}

// sanitizeProfile cleans the display fields a client controls.
func sanitizeProfile(p Profile) Profile {
	p.Nickname = SanitizeString(p.Nickname)
	p.Picture = sanitizePicture(p.Picture)
	return p
}

// sanitizePicture keeps absolute http(s) URLs only.
func sanitizePicture(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return u.String()
}
