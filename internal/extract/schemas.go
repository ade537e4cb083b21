package extract

import "regexp"

var (
	itemIDInURL   = regexp.MustCompile(`/itm/(?:[^/?#]+/)?(\d{6,})`)
	digitsPattern = regexp.MustCompile(`(\d{6,})`)
)

// SearchCardSchema reads one result card on a search results page.
var SearchCardSchema = Schema{
	Version: "search-card/v1",
	Fields: []FieldSpec{
		{Name: "item_id", Required: true, Rules: []Rule{
			{Selector: SelectSelf, Attr: "data-listingid"},
			{Selector: "a.s-item__link", Attr: "href", Pattern: itemIDInURL},
			{Selector: "div.s-item__image a", Attr: "href", Pattern: itemIDInURL},
			{Selector: SelectSelf, Attr: "id", Pattern: digitsPattern},
		}},
		{Name: "item_url", Rules: []Rule{
			{Selector: "a.s-item__link", Attr: "href"},
			{Selector: "div.s-item__image a", Attr: "href"},
		}},
		{Name: "title", Required: true, Rules: []Rule{
			{Selector: "div.s-item__title span"},
			{Selector: ".s-item__title"},
		}},
		{Name: "price", Rules: []Rule{
			{Selector: "span.s-item__price span.POSITIVE"},
			{Selector: "span.s-item__price"},
		}},
		{Name: "date_sold", Rules: []Rule{
			{Selector: "span.s-item__caption--signal.POSITIVE span"},
			{Selector: ".s-item__caption--signal"},
			{Selector: ".s-item__title--tagblock .POSITIVE"},
		}},
		{Name: "seller_info", Rules: []Rule{
			{Selector: "span.s-item__seller-info-text"},
		}},
	},
}

// DetailSchema reads a listing detail page.
var DetailSchema = Schema{
	Version: "detail/v1",
	Fields: []FieldSpec{
		{Name: "item_id", Required: true, Rules: []Rule{
			{Pattern: itemIDInURL},
			{Selector: "link[rel='canonical']", Attr: "href", Pattern: itemIDInURL},
			{Selector: "[data-itemid]", Attr: "data-itemid", Pattern: digitsPattern},
		}},
		{Name: "title", Required: true, Rules: []Rule{
			{Selector: "h1.x-item-title__mainTitle span"},
			{Selector: "h1.x-item-title__mainTitle"},
			{Selector: "h1#itemTitle"},
			{Selector: "meta[property='og:title']", Attr: "content"},
		}},
		{Name: "price", Required: true, Rules: []Rule{
			{Selector: "div.x-price-primary span.ux-textspans"},
			{Selector: ".x-price-primary"},
			{Selector: "span#prcIsum"},
			{Selector: "span#mm-saleDscPrc"},
		}},
		{Name: "currency", Rules: []Rule{
			{Selector: "[itemprop='priceCurrency']", Attr: "content"},
		}},
		{Name: "image_url", Rules: []Rule{
			{Selector: "div.ux-image-carousel-item img", Attr: "src"},
			{Selector: "img#icImg", Attr: "src"},
			{Selector: "meta[property='og:image']", Attr: "content"},
		}},
		{Name: "condition", Rules: []Rule{
			{Selector: "div.x-item-condition-text span.ux-textspans"},
			{Selector: ".x-item-condition-value"},
			{Selector: "#vi-itm-cond"},
		}},
		{Name: "date_sold", Rules: []Rule{
			{Selector: "[data-testid='x-item-sold-date']"},
			{Selector: "div.x-sold-date"},
			{Selector: "span.vi-bboxrev-dsplblk"},
		}},
		{Name: "shipping_cost", Rules: []Rule{
			{Selector: "div.ux-labels-values--shipping .ux-labels-values__values span.ux-textspans--BOLD"},
			{Selector: "#fshippingCost span"},
			{Selector: "span.s-item__shipping"},
		}},
		{Name: "shipping_location", Rules: []Rule{
			{Selector: "div.ux-labels-values--shipping span.ux-textspans--SECONDARY", Pattern: regexp.MustCompile(`(?i)located in:?\s*(.+)`)},
			{Selector: "[itemprop='availableAtOrFrom']"},
		}},
		{Name: "best_offer", Rules: []Rule{
			{Selector: ".x-price-bestoffer"},
			{Selector: "#boBtn_btn"},
			{Selector: "span.s-item__formatBestOfferEnabled"},
		}},
		{Name: "seller_name", Rules: []Rule{
			{Selector: "div.x-sellercard-atf__info__about-seller a span"},
			{Selector: ".ux-seller-section__item--seller a span"},
		}},
		{Name: "seller_feedback_score", Rules: []Rule{
			{Selector: "div.x-sellercard-atf__about-seller", Pattern: regexp.MustCompile(`\(([\d,]+)\)`)},
			{Selector: "li.x-sellercard-atf__data-item", Pattern: regexp.MustCompile(`\(([\d,]+)\)`)},
		}},
		{Name: "seller_feedback_percent", Rules: []Rule{
			{Selector: "li.x-sellercard-atf__data-item", Pattern: regexp.MustCompile(`([\d.]+)%`)},
		}},
		{Name: "seller_info", Rules: []Rule{
			{Selector: "span.s-item__seller-info-text"},
			{Selector: ".x-sellercard-atf__info"},
		}},
	},
}
