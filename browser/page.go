package browser

import (
	"errors"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoGroupName is returned when a group page carries neither heading nor title.
var ErrNoGroupName = errors.New("group name not found")

// parseGroupName extracts the group display name from a rendered group page.
func parseGroupName(body io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", err
	}

	name := strings.TrimSpace(doc.Find("a#group-name-link h1").First().Text())
	if name != "" {
		return name, nil
	}

	// Fallback: "<group> | Meetup" from the <title> tag
	rawTitle := strings.TrimSpace(doc.Find("title").First().Text())
	if idx := strings.Index(rawTitle, " | "); idx > 0 {
		rawTitle = strings.TrimSpace(rawTitle[:idx])
	}
	if rawTitle == "" {
		return "", ErrNoGroupName
	}
	return rawTitle, nil
}
