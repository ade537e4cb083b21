package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
)

// ErrNoAmount is returned when a price string carries no number.
var ErrNoAmount = errors.New("no amount in price text")

var (
	amountPattern = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	sellerPattern = regexp.MustCompile(`^\s*(.*?)\s*\(([\d,]+)\)\s*(?:([\d.]+)\s*%)?`)
	countPattern  = regexp.MustCompile(`(\d{1,3}(?:,\d{3})+|\d+)`)
	soldPrefix    = regexp.MustCompile(`(?i)^\s*(?:sold|ended)\s*:?\s*`)
)

// currencyMarkers are checked in order; longer prefixes come before the bare symbols they contain.
var currencyMarkers = []struct {
	marker string
	code   string
}{
	{"US $", "USD"},
	{"AU $", "AUD"},
	{"C $", "CAD"},
	{"GBP", "GBP"},
	{"USD", "USD"},
	{"EUR", "EUR"},
	{"AUD", "AUD"},
	{"CAD", "CAD"},
	{"£", "GBP"},
	{"€", "EUR"},
	{"$", "USD"},
}

// ParsePrice converts marketplace price text ("£1,234.56", "US $12.00", "GBP 9.99 to GBP 12.00")
// into an amount and currency. Ranges yield their lower bound.
func ParsePrice(text, defaultCurrency string) (crawler.Money, error) {
	text = strings.TrimSpace(text)
	raw := amountPattern.FindString(text)
	if raw == "" {
		return crawler.Money{}, fmt.Errorf("parse price %q: %w", text, ErrNoAmount)
	}
	amount, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return crawler.Money{}, fmt.Errorf("parse price %q: %w", text, err)
	}
	return crawler.Money{Amount: amount, Currency: detectCurrency(text, defaultCurrency)}, nil
}

func detectCurrency(text, fallback string) string {
	upper := strings.ToUpper(text)
	for _, m := range currencyMarkers {
		if strings.Contains(upper, m.marker) {
			return m.code
		}
	}
	return fallback
}

// ParseShipping converts shipping text into a cost. "Free" variants are zero; unreadable text is nil.
func ParseShipping(text string) *decimal.Decimal {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if strings.Contains(strings.ToLower(text), "free") {
		zero := decimal.Zero
		return &zero
	}
	raw := amountPattern.FindString(text)
	if raw == "" {
		return nil
	}
	amount, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return nil
	}
	return &amount
}

var dateLayouts = []string{
	"2 Jan 2006",
	"2 January 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"2006-01-02",
	time.RFC3339,
}

// ParseDate reads a sold date ("Sold 14 Oct 2024", "Oct 14, 2024", "2024-10-14"). It returns nil
// when no layout matches.
func ParseDate(text string) *time.Time {
	text = cleanText(soldPrefix.ReplaceAllString(text, ""))
	if text == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// SellerInfo is the parsed form of "name (1,234) 99.5%".
type SellerInfo struct {
	Name            string
	FeedbackScore   int
	FeedbackPercent decimal.Decimal
}

// ParseSellerInfo parses the compact seller line shown on cards and seller panels.
func ParseSellerInfo(text string) (SellerInfo, bool) {
	m := sellerPattern.FindStringSubmatch(text)
	if m == nil {
		name := cleanText(text)
		return SellerInfo{Name: name}, name != ""
	}
	info := SellerInfo{Name: m[1], FeedbackScore: ParseCount(m[2])}
	if m[3] != "" {
		if pct, err := decimal.NewFromString(m[3]); err == nil {
			info.FeedbackPercent = pct
		}
	}
	return info, true
}

// ParseCount reads the first integer in text, ignoring thousands separators.
func ParseCount(text string) int {
	raw := countPattern.FindString(text)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return 0
	}
	return n
}

// ParsePercent reads a 0-100 percentage.
func ParsePercent(text string) (decimal.Decimal, bool) {
	raw := strings.TrimSuffix(strings.TrimSpace(text), "%")
	pct, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, false
	}
	return pct, true
}
