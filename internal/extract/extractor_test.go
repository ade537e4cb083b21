package extract

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
)

func loadPage(t *testing.T, name, pageURL string) crawler.RenderedPage {
	t.Helper()
	body, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return crawler.RenderedPage{URL: pageURL, StatusCode: 200, Body: body}
}

func TestExtractSearchPage(t *testing.T) {
	e := New(Config{})
	page := loadPage(t, "search_page1.html", "https://www.ebay.co.uk/sch/i.html?_nkw=ps5&LH_Sold=1")

	res, err := e.ExtractSearchPage(page)
	require.NoError(t, err)

	require.Len(t, res.Items, 3, "placeholder, duplicate and id-less cards are skipped")
	assert.Equal(t, 1234, res.TotalResults)
	assert.Equal(t, "https://www.ebay.co.uk/sch/i.html?_nkw=ps5&_pgn=2&LH_Sold=1", res.Next)

	first := res.Items[0]
	assert.Equal(t, "315123456789", first.ItemID)
	assert.Equal(t, "https://www.ebay.co.uk/itm/315123456789", first.ItemURL)
	assert.Equal(t, "Sony PlayStation 5 Disc Edition", first.Title)
	assert.Equal(t, "£389.99", first.Price)
	assert.Equal(t, "Sold 14 Oct 2024", first.DateSold)
	assert.Equal(t, "gamesworld (12,345) 99.8%", first.Seller)

	assert.Equal(t, "204987654321", res.Items[1].ItemID)
	assert.Equal(t, "PS5 Digital Edition", res.Items[1].Title)
	assert.Equal(t, "125555555555", res.Items[2].ItemID)
	assert.Equal(t, "https://www.ebay.co.uk/itm/125555555555", res.Items[2].ItemURL)
}

func TestExtractSearchPageLastPage(t *testing.T) {
	res, err := New(Config{}).ExtractSearchPage(loadPage(t, "search_last.html", "https://www.ebay.co.uk/sch/i.html?_pgn=2"))
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
	assert.Empty(t, res.Next)
	assert.Equal(t, 2, res.TotalResults)
}

func TestExtractSearchPageNoMatches(t *testing.T) {
	res, err := New(Config{}).ExtractSearchPage(loadPage(t, "search_empty.html", "https://www.ebay.co.uk/sch/i.html"))
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Empty(t, res.Next)
}

func TestExtractSearchPageMissingContainer(t *testing.T) {
	_, err := New(Config{}).ExtractSearchPage(loadPage(t, "search_broken.html", "https://www.ebay.co.uk/sch/i.html"))
	var extractErr *crawler.ExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.Equal(t, []string{"results"}, extractErr.Fields)
	assert.Equal(t, SearchCardSchema.Version, extractErr.SchemaVersion)
}

func TestExtractDetailPage(t *testing.T) {
	page := loadPage(t, "detail_ok.html", "https://www.ebay.co.uk/itm/315123456789?hash=item1")

	rec, err := New(Config{}).ExtractDetailPage(page)
	require.NoError(t, err)

	assert.Equal(t, "315123456789", rec.ItemID)
	assert.Equal(t, "https://www.ebay.co.uk/itm/315123456789", rec.ItemURL)
	assert.Equal(t, "Sony PlayStation 5 Disc Edition", rec.Title)
	assert.True(t, rec.Price.Amount.Equal(decimal.RequireFromString("389.99")))
	assert.Equal(t, "GBP", rec.Price.Currency)
	assert.Equal(t, "https://i.ebayimg.com/images/g/a/s-l1600.jpg", rec.ImageURL)
	assert.Equal(t, "Used", rec.Condition)
	require.NotNil(t, rec.DateSold)
	assert.Equal(t, time.Date(2024, time.October, 14, 0, 0, 0, 0, time.UTC), *rec.DateSold)
	require.NotNil(t, rec.ShippingCost)
	assert.True(t, rec.ShippingCost.Equal(decimal.RequireFromString("4.99")))
	assert.Equal(t, "Leeds, United Kingdom", rec.ShippingLocation)
	assert.True(t, rec.BestOffer)
	assert.Equal(t, "gamesworld", rec.SellerName)
	assert.Equal(t, 12345, rec.SellerFeedbackScore)
	assert.True(t, rec.SellerFeedbackPercent.Equal(decimal.RequireFromString("99.8")))
}

func TestExtractDetailPageMissingPrice(t *testing.T) {
	page := loadPage(t, "detail_missing_price.html", "https://www.ebay.co.uk/itm/125555555555")

	_, err := New(Config{}).ExtractDetailPage(page)
	var extractErr *crawler.ExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.Equal(t, []string{"price"}, extractErr.Fields)
	assert.Equal(t, "price", extractErr.Field())
	assert.Equal(t, DetailSchema.Version, extractErr.SchemaVersion)
}

func TestExtractDetailPageReportsAllMissingFields(t *testing.T) {
	page := crawler.RenderedPage{URL: "https://www.ebay.co.uk/b/Video-Games", Body: []byte("<html><body><p>nothing</p></body></html>")}

	_, err := New(Config{}).ExtractDetailPage(page)
	var extractErr *crawler.ExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.Equal(t, []string{"item_id", "title", "price"}, extractErr.Fields)
}

func TestExtractDetailPageUnparseablePrice(t *testing.T) {
	page := crawler.RenderedPage{
		URL:  "https://www.ebay.co.uk/itm/125555555555",
		Body: []byte(`<html><body><h1 class="x-item-title__mainTitle">Pad</h1><div class="x-price-primary"><span class="ux-textspans">See price</span></div></body></html>`),
	}
	_, err := New(Config{}).ExtractDetailPage(page)
	var extractErr *crawler.ExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.Equal(t, []string{"price"}, extractErr.Fields)
}

func TestExtractDetailOptionalFieldsAbsent(t *testing.T) {
	page := crawler.RenderedPage{
		URL:  "https://www.ebay.co.uk/itm/125555555555",
		Body: []byte(`<html><body><h1 class="x-item-title__mainTitle">Pad</h1><div class="x-price-primary"><span class="ux-textspans">US $12.00</span></div></body></html>`),
	}
	rec, err := New(Config{}).ExtractDetailPage(page)
	require.NoError(t, err)
	assert.Equal(t, "USD", rec.Price.Currency)
	assert.Nil(t, rec.DateSold)
	assert.Nil(t, rec.ShippingCost)
	assert.False(t, rec.BestOffer)
	assert.Empty(t, rec.SellerName)
	assert.True(t, rec.SellerFeedbackPercent.IsZero())
}

func TestApplyCandidate(t *testing.T) {
	rec := crawler.ListingRecord{ItemID: "1"}
	ApplyCandidate(&rec, &crawler.ListingCandidate{DateSold: "Sold 3 Oct 2024", Seller: "shop (10) 100%"})
	require.NotNil(t, rec.DateSold)
	assert.Equal(t, 3, rec.DateSold.Day())
	assert.Equal(t, "shop", rec.SellerName)
	assert.Equal(t, 10, rec.SellerFeedbackScore)
	assert.True(t, rec.SellerFeedbackPercent.Equal(decimal.NewFromInt(100)))

	ApplyCandidate(&rec, nil)
	ApplyCandidate(nil, &crawler.ListingCandidate{})
}
