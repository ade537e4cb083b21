// Package extract turns rendered search and listing pages into candidates and listing records
// using versioned CSS extraction schemas.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
)

const (
	placeholderTitle  = "Shop on eBay"
	resultsContainers = "ul.srp-results, .srp-results, .srp-river-results"
	resultCards       = "li.s-item, li.s-card"
	noMatchMarkers    = ".srp-save-null-search, .srp-save-null-search__heading, .s-message--no-results"
	nextPageSelector  = "a.pagination__next"
	countSelector     = "h1.srp-controls__count-heading span.BOLD"
)

var (
	resultsCountText = regexp.MustCompile(`(\d{1,3}(?:,\d{3})*|\d+)\s+results`)
	newListingPrefix = regexp.MustCompile(`(?i)^new listing\s*`)
)

// Config selects schemas and defaults.
type Config struct {
	CardSchema      Schema
	DetailSchema    Schema
	DefaultCurrency string
}

// Extractor is stateless and safe for concurrent use.
type Extractor struct {
	card            Schema
	detail          Schema
	defaultCurrency string
}

// New builds an Extractor. Zero-valued schemas fall back to the built-in ones.
func New(cfg Config) *Extractor {
	e := &Extractor{
		card:            cfg.CardSchema,
		detail:          cfg.DetailSchema,
		defaultCurrency: cfg.DefaultCurrency,
	}
	if e.card.Version == "" {
		e.card = SearchCardSchema
	}
	if e.detail.Version == "" {
		e.detail = DetailSchema
	}
	if e.defaultCurrency == "" {
		e.defaultCurrency = "GBP"
	}
	return e
}

// ExtractSearchPage lists the result cards on a search page, the next page link and the
// advertised total result count.
func (e *Extractor) ExtractSearchPage(page crawler.RenderedPage) (crawler.SearchResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return crawler.SearchResult{}, fmt.Errorf("parse search page: %w", err)
	}
	base, _ := url.Parse(page.BaseURL())

	result := crawler.SearchResult{TotalResults: totalResults(doc)}
	container := doc.Find(resultsContainers)
	if container.Length() == 0 {
		if doc.Find(noMatchMarkers).Length() > 0 || strings.Contains(doc.Text(), "No exact matches found") {
			return result, nil
		}
		return crawler.SearchResult{}, &crawler.ExtractionError{
			URL:           page.URL,
			SchemaVersion: e.card.Version,
			Fields:        []string{"results"},
		}
	}

	seen := make(map[string]struct{})
	container.First().Find(resultCards).Each(func(_ int, card *goquery.Selection) {
		values := e.card.Evaluate(card, page.BaseURL())
		if !values.OK() {
			return
		}
		title := newListingPrefix.ReplaceAllString(values.Get("title"), "")
		if title == "" || title == placeholderTitle {
			return
		}
		id := values.Get("item_id")
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		result.Items = append(result.Items, crawler.ListingCandidate{
			ItemID:   id,
			ItemURL:  CanonicalItemURL(base, id),
			Title:    title,
			Price:    values.Get("price"),
			DateSold: values.Get("date_sold"),
			Seller:   values.Get("seller_info"),
		})
	})

	result.Next = nextPage(doc, base)
	return result, nil
}

// ExtractDetailPage builds a listing record. Every missing required field is reported in one
// *crawler.ExtractionError.
func (e *Extractor) ExtractDetailPage(page crawler.RenderedPage) (crawler.ListingRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return crawler.ListingRecord{}, fmt.Errorf("parse detail page: %w", err)
	}
	base, _ := url.Parse(page.BaseURL())
	values := e.detail.Evaluate(doc.Selection, page.BaseURL())

	missing := append([]string(nil), values.Missing...)
	var price crawler.Money
	if values.Has("price") {
		currency := e.defaultCurrency
		if code := strings.ToUpper(values.Get("currency")); len(code) == 3 {
			currency = code
		}
		price, err = ParsePrice(values.Get("price"), currency)
		if err != nil {
			missing = append(missing, "price")
		}
	}
	if len(missing) > 0 {
		return crawler.ListingRecord{}, &crawler.ExtractionError{
			URL:           page.URL,
			SchemaVersion: e.detail.Version,
			Fields:        orderFields(e.detail, missing),
		}
	}

	id := values.Get("item_id")
	record := crawler.ListingRecord{
		ItemID:           id,
		ItemURL:          CanonicalItemURL(base, id),
		ImageURL:         resolve(base, values.Get("image_url")),
		Title:            newListingPrefix.ReplaceAllString(values.Get("title"), ""),
		Condition:        values.Get("condition"),
		DateSold:         ParseDate(values.Get("date_sold")),
		Price:            price,
		ShippingCost:     ParseShipping(values.Get("shipping_cost")),
		ShippingLocation: values.Get("shipping_location"),
		BestOffer:        values.Has("best_offer"),
		SellerName:       values.Get("seller_name"),
	}
	if values.Has("seller_feedback_score") {
		record.SellerFeedbackScore = ParseCount(values.Get("seller_feedback_score"))
	}
	if pct, ok := ParsePercent(values.Get("seller_feedback_percent")); ok {
		record.SellerFeedbackPercent = pct
	}
	if info, ok := ParseSellerInfo(values.Get("seller_info")); ok {
		applySellerInfo(&record, info)
	}
	return record, nil
}

// ApplyCandidate fills optional fields the detail page lacked from the search card that led to it.
func ApplyCandidate(record *crawler.ListingRecord, candidate *crawler.ListingCandidate) {
	if record == nil || candidate == nil {
		return
	}
	if record.DateSold == nil {
		record.DateSold = ParseDate(candidate.DateSold)
	}
	if info, ok := ParseSellerInfo(candidate.Seller); ok {
		applySellerInfo(record, info)
	}
}

func applySellerInfo(record *crawler.ListingRecord, info SellerInfo) {
	if record.SellerName == "" {
		record.SellerName = info.Name
	}
	if record.SellerFeedbackScore == 0 {
		record.SellerFeedbackScore = info.FeedbackScore
	}
	if record.SellerFeedbackPercent.IsZero() {
		record.SellerFeedbackPercent = info.FeedbackPercent
	}
}

// CanonicalItemURL returns scheme://host/itm/<id>, dropping tracking parameters.
func CanonicalItemURL(base *url.URL, itemID string) string {
	if base == nil || base.Host == "" {
		return "/itm/" + itemID
	}
	return (&url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/itm/" + itemID}).String()
}

func nextPage(doc *goquery.Document, base *url.URL) string {
	link := doc.Find(nextPageSelector).First()
	if link.Length() == 0 || link.AttrOr("aria-disabled", "") == "true" {
		return ""
	}
	href := strings.TrimSpace(link.AttrOr("href", ""))
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	return resolve(base, href)
}

func totalResults(doc *goquery.Document) int {
	if text := cleanText(doc.Find(countSelector).First().Text()); text != "" {
		return ParseCount(text)
	}
	if m := resultsCountText.FindStringSubmatch(doc.Text()); m != nil {
		return ParseCount(m[1])
	}
	return 0
}

func resolve(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

func orderFields(schema Schema, names []string) []string {
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}
	out := make([]string, 0, len(wanted))
	for _, f := range schema.Fields {
		if _, ok := wanted[f.Name]; ok {
			out = append(out, f.Name)
			delete(wanted, f.Name)
		}
	}
	for _, n := range names {
		if _, ok := wanted[n]; ok {
			out = append(out, n)
			delete(wanted, n)
		}
	}
	return out
}
