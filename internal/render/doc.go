// Package render provides crawler.Renderer implementations: a headless Chrome renderer driven by
// chromedp and a plain HTTP renderer built on colly. Both route each request through the proxy
// named in the crawler.RenderRequest.
package render
