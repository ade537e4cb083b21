package fetcher

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultChallengeKeywords are lower-cased phrases that appear on bot-challenge interstitials.
var DefaultChallengeKeywords = []string{
	"pardon our interruption",
	"please verify yourself",
	"checking your browser",
	"are you a human",
	"access denied",
	"unusual traffic",
}

// DefaultChallengeSelectors match captcha widgets and challenge forms.
var DefaultChallengeSelectors = []string{
	"#captcha",
	"iframe[src*='captcha']",
	"div.g-recaptcha",
	"div.h-captcha",
	"form#challenge-form",
	"#px-captcha",
}

// DefaultContentSelectors mark a page as real listing content. Keyword checks are skipped when one
// matches, so a listing titled "Access Denied" is not mistaken for a challenge.
var DefaultContentSelectors = []string{
	"ul.srp-results",
	"li.s-item",
	"h1.x-item-title__mainTitle",
	".x-price-primary",
}

// ChallengeDetector flags rendered pages that are bot challenges rather than content.
type ChallengeDetector struct {
	keywords  []string
	selectors []string
	content   []string
}

// NewChallengeDetector builds a detector that treats DefaultContentSelectors as content markers.
// Empty entries are ignored.
func NewChallengeDetector(keywords, selectors []string) *ChallengeDetector {
	lowerKeywords := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			lowerKeywords = append(lowerKeywords, strings.ToLower(kw))
		}
	}
	return &ChallengeDetector{
		keywords:  lowerKeywords,
		selectors: cleanSelectors(selectors),
		content:   cleanSelectors(DefaultContentSelectors),
	}
}

// Detect returns a short reason when body looks like a challenge page. Challenge selectors always
// count; keywords only count on pages without listing content.
func (d *ChallengeDetector) Detect(body []byte) (string, bool) {
	if d == nil || len(body) == 0 {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", false
	}
	if sel, ok := firstMatch(doc, d.selectors); ok {
		return "challenge selector: " + sel, true
	}
	if _, ok := firstMatch(doc, d.content); ok {
		return "", false
	}
	if len(d.keywords) == 0 {
		return "", false
	}
	text := strings.ToLower(doc.Text())
	for _, kw := range d.keywords {
		if strings.Contains(text, kw) {
			return "challenge keyword: " + kw, true
		}
	}
	return "", false
}

func firstMatch(doc *goquery.Document, selectors []string) (string, bool) {
	for _, sel := range selectors {
		if doc.Find(sel).Length() > 0 {
			return sel, true
		}
	}
	return "", false
}

func cleanSelectors(selectors []string) []string {
	out := make([]string, 0, len(selectors))
	for _, sel := range selectors {
		if sel = strings.TrimSpace(sel); sel != "" {
			out = append(out, sel)
		}
	}
	return out
}
