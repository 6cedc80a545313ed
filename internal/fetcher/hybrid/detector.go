package hybrid

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/news-crawler/internal/crawler"
)

const (
	defaultMinTextLength = 200
	defaultScriptShare   = 0.25
)

// mountPoints are the root nodes client-side frameworks render into.
var mountPoints = "#__next, #__nuxt, #root, #app, [data-reactroot], [ng-app]"

// Detector decides whether a statically fetched page needs a browser.
type Detector struct {
	// MinTextLength is the visible text below which a script-heavy page is
	// promoted. Zero means 200.
	MinTextLength int
	// ScriptShare is the fraction of the document that inline scripts must
	// cover. Zero means 0.25.
	ScriptShare float64
}

// NeedsRender reports whether page looks like a JavaScript shell. Non-2xx
// responses are never promoted.
func (d Detector) NeedsRender(page *crawler.Page) bool {
	if page == nil {
		return true
	}
	if page.StatusCode < 200 || page.StatusCode >= 300 {
		return false
	}
	body := bytes.TrimSpace(page.Body)
	if len(body) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	minText := d.MinTextLength
	if minText <= 0 {
		minText = defaultMinTextLength
	}
	share := d.ScriptShare
	if share <= 0 {
		share = defaultScriptShare
	}

	scripts := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scripts += len(s.Text())
	})
	doc.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if len(text) >= minText {
		return false
	}
	if doc.Find(mountPoints).Length() > 0 {
		return true
	}
	return float64(scripts)/float64(len(body)) >= share
}
