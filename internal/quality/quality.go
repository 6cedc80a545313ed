// Package quality scores how much of a page is real article content.
package quality

import (
	"bytes"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// DefaultThreshold is the minimum score for quality content.
const DefaultThreshold = 50

var (
	adPattern = regexp.MustCompile(`(?i)ad[s_-]?(\d+|container|box|wrap|banner|slot|frame|sidebar|top|bottom)|sponsor(ed)?(-\w+)?|banner(-\w+)?|promo(tion)?(-\w+)?|gpt-ad|dfp-slot|advertisement|commercial`)
	adText    = regexp.MustCompile(`(?i)advertisement|sponsored|promotion`)
	adHosts   = []string{"doubleclick", "googlesyndication", "adnxs", "adsystem"}
)

// Config holds the thresholds used to explain a low score.
type Config struct {
	MinTextLength    int
	MinTextHTMLRatio float64
	MaxAdRatio       float64
	ImportantTags    []string
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MinTextLength:    500,
		MinTextHTMLRatio: 0.1,
		MaxAdRatio:       0.4,
		ImportantTags:    []string{"p", "h1", "h2", "h3", "article", "section"},
	}
}

// Report is the outcome of Analyze.
type Report struct {
	Score         int     `json:"score"`
	TextLength    int     `json:"textLength"`
	TextHTMLRatio float64 `json:"textHtmlRatio"`
	AdRatio       float64 `json:"adRatio"`
	ImportantTags int     `json:"importantTags"`
	Quality       bool    `json:"quality"`
	Reason        string  `json:"reason"`
}

// Analyzer is stateless and safe for concurrent use.
type Analyzer struct {
	cfg      Config
	tagQuery string
}

// New returns an Analyzer, filling zero fields from DefaultConfig.
func New(cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = def.MinTextLength
	}
	if cfg.MinTextHTMLRatio <= 0 {
		cfg.MinTextHTMLRatio = def.MinTextHTMLRatio
	}
	if cfg.MaxAdRatio <= 0 {
		cfg.MaxAdRatio = def.MaxAdRatio
	}
	if len(cfg.ImportantTags) == 0 {
		cfg.ImportantTags = def.ImportantTags
	}
	return &Analyzer{cfg: cfg, tagQuery: strings.Join(cfg.ImportantTags, ",")}
}

// Analyze scores body from 0 to 100.
func (a *Analyzer) Analyze(body []byte) Report {
	if len(body) == 0 {
		return Report{AdRatio: 1, Reason: "empty html"}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Report{AdRatio: 1, Reason: fmt.Sprintf("analysis error: %v", err)}
	}

	adLength := a.adLength(doc)
	doc.Find("script,style,noscript").Remove()
	text := strings.Join(strings.Fields(doc.Text()), " ")

	r := Report{
		TextLength:    len([]rune(text)),
		ImportantTags: doc.Find(a.tagQuery).Length(),
	}
	r.TextHTMLRatio = float64(r.TextLength) / float64(len(body))
	r.AdRatio = float64(adLength) / float64(len(body))
	r.Score = score(r)
	r.Quality = r.Score >= DefaultThreshold
	r.Reason = a.reason(r)
	return r
}

// IsQuality reports whether body scores at least threshold. A threshold
// of zero or less uses DefaultThreshold.
func (a *Analyzer) IsQuality(body []byte, threshold int) (bool, Report) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	r := a.Analyze(body)
	return r.Score >= threshold, r
}

func (a *Analyzer) adLength(doc *goquery.Document) int {
	total := 0
	counted := make(map[*html.Node]struct{})
	add := func(s *goquery.Selection) {
		node := s.Get(0)
		if node == nil {
			return
		}
		if _, ok := counted[node]; ok {
			return
		}
		counted[node] = struct{}{}
		if h, err := goquery.OuterHtml(s); err == nil {
			total += len(h)
		}
	}

	doc.Find("[class],[id]").Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		id, _ := s.Attr("id")
		if adPattern.MatchString(class) || adPattern.MatchString(id) {
			add(s)
		}
	})
	doc.Find("iframe[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		for _, host := range adHosts {
			if strings.Contains(src, host) {
				add(s)
				return
			}
		}
	})
	doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		if adText.MatchString(ownText(s)) {
			add(s)
		}
	})
	return total
}

// ownText is the text of s's direct text children.
func ownText(s *goquery.Selection) string {
	var b strings.Builder
	for _, n := range s.Contents().Nodes {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
	}
	return b.String()
}

func score(r Report) int {
	lengthScore := math.Min(30, float64(r.TextLength)/50)
	ratioScore := math.Min(30, r.TextHTMLRatio*200)
	adScore := math.Max(0, 20-r.AdRatio*50)
	tagScore := math.Min(20, float64(r.ImportantTags*2))
	total := int(lengthScore + ratioScore + adScore + tagScore)
	return max(0, min(100, total))
}

func (a *Analyzer) reason(r Report) string {
	if r.Quality {
		return "quality content"
	}
	var reasons []string
	if r.TextLength < a.cfg.MinTextLength {
		reasons = append(reasons, fmt.Sprintf("text too short (%d < %d)", r.TextLength, a.cfg.MinTextLength))
	}
	if r.TextHTMLRatio < a.cfg.MinTextHTMLRatio {
		reasons = append(reasons, fmt.Sprintf("text/html ratio too low (%.2f < %.2f)", r.TextHTMLRatio, a.cfg.MinTextHTMLRatio))
	}
	if r.AdRatio > a.cfg.MaxAdRatio {
		reasons = append(reasons, fmt.Sprintf("too much ad content (%.2f > %.2f)", r.AdRatio, a.cfg.MaxAdRatio))
	}
	if r.ImportantTags < 3 {
		reasons = append(reasons, fmt.Sprintf("too few content tags (%d < 3)", r.ImportantTags))
	}
	if len(reasons) == 0 {
		return "multiple quality factors below threshold"
	}
	return strings.Join(reasons, ", ")
}
