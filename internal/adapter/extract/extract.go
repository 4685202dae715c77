// Package extract parses rendered catalog pages into structured records with
// goquery. Selectors target schema.org microdata first and fall back to the
// storefront's conventional markup.
package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/fairyhunter13/datashelf/internal/domain"
)

var priceRe = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)

// resolveHref makes href absolute against pageURL, dropping fragments and
// unusable schemes.
func resolveHref(pageURL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	u, err := base.Parse(href)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

func parseDoc(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("op=extract.parse: %w", err)
	}
	return doc, nil
}

// Navigation parses the top-level navigation tree from the site root page.
// Each top-level menu entry becomes a node; links under it that point at
// category pages are collected as CategoryURLs.
func Navigation(pageURL, html string) ([]domain.ExtractedNavNode, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return nil, err
	}

	var nodes []domain.ExtractedNavNode
	seen := map[string]bool{}

	doc.Find("nav a, [role=navigation] a, .navigation a, .nav-menu a").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs := resolveHref(pageURL, href)
		title := strings.TrimSpace(a.Text())
		if abs == "" || title == "" || seen[abs] {
			return
		}
		seen[abs] = true
		node := domain.ExtractedNavNode{Title: title, SourceURL: abs}

		// Links inside a submenu hang off the nearest enclosing menu item.
		if parent := a.ParentsFiltered("li").First().ParentsFiltered("li").First(); parent.Length() > 0 {
			if pa := parent.Find("a").First(); pa.Length() > 0 {
				if phref, ok := pa.Attr("href"); ok {
					node.ParentURL = resolveHref(pageURL, phref)
				}
			}
		}
		if strings.Contains(abs, "/category/") {
			node.CategoryURLs = []string{abs}
		}
		nodes = append(nodes, node)
	})
	if len(nodes) == 0 {
		return nil, fmt.Errorf("op=extract.Navigation: no navigation links found: %w", domain.ErrInvalidArgument)
	}
	return nodes, nil
}

// Category parses category metadata plus one page of product listing links.
func Category(pageURL, html string) (domain.ExtractedCategory, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return domain.ExtractedCategory{}, err
	}

	cat := domain.ExtractedCategory{SourceURL: pageURL}
	cat.Title = firstText(doc, "h1[itemprop=name]", "h1.category-title", "h1")
	if cat.Title == "" {
		cat.Title = strings.TrimSpace(doc.Find("title").Text())
	}

	seen := map[string]bool{}
	doc.Find("[itemtype$='/Product'] a[href], .product-card a[href], .product-item a[href], a[href*='/product/']").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs := resolveHref(pageURL, href)
		if abs == "" || !strings.Contains(abs, "/product/") || seen[abs] {
			return
		}
		seen[abs] = true
		cat.ProductURLs = append(cat.ProductURLs, abs)
	})

	if next, ok := doc.Find("a[rel=next]").Attr("href"); ok {
		cat.NextPageURL = resolveHref(pageURL, next)
	} else if next, ok := doc.Find(".pagination .next a, a.next-page").Attr("href"); ok {
		cat.NextPageURL = resolveHref(pageURL, next)
	}
	return cat, nil
}

// Product parses a product detail page.
func Product(pageURL, html string) (domain.ExtractedProduct, error) {
	doc, err := parseDoc(html)
	if err != nil {
		return domain.ExtractedProduct{}, err
	}

	p := domain.ExtractedProduct{SourceURL: pageURL, Available: true}
	p.Title = firstText(doc, "h1[itemprop=name]", "h1.product-title", "h1")
	if p.Title == "" {
		return domain.ExtractedProduct{}, fmt.Errorf("op=extract.Product: missing title: %w", domain.ErrInvalidArgument)
	}

	if sku := firstAttrOrText(doc, "itemprop=sku", "[data-product-id]", "data-product-id"); sku != "" {
		p.SourceID = &sku
	}

	if raw := firstPrice(doc); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0 {
			p.Price = &v
		}
	}
	p.Currency = firstContent(doc, "[itemprop=priceCurrency]")
	if p.Currency == "" {
		p.Currency = "USD"
	}

	if summary := firstText(doc, "[itemprop=description]", ".product-description", ".description"); summary != "" {
		p.Summary = &summary
	}

	seen := map[string]bool{}
	doc.Find("[itemprop=image], .product-gallery img, .product-images img, img.product-image").Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr("src")
		if !ok {
			src, _ = img.Attr("data-src")
		}
		abs := resolveHref(pageURL, src)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		p.ImageURLs = append(p.ImageURLs, abs)
	})

	p.Specs = map[string]any{}
	doc.Find(".specs tr, .product-specs tr, table.specifications tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("th, td")
		if cells.Length() < 2 {
			return
		}
		k := strings.TrimSpace(cells.Eq(0).Text())
		v := strings.TrimSpace(cells.Eq(1).Text())
		if k != "" && v != "" {
			p.Specs[k] = v
		}
	})

	availability := firstContent(doc, "[itemprop=availability]")
	if availability == "" {
		availability = firstText(doc, ".availability", ".stock-status")
	}
	lower := strings.ToLower(availability)
	if strings.Contains(lower, "outofstock") || strings.Contains(lower, "out of stock") || strings.Contains(lower, "sold out") {
		p.Available = false
	}
	return p, nil
}

func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if t := strings.TrimSpace(doc.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	return ""
}

// firstContent reads the content attribute used by microdata meta tags,
// falling back to element text.
func firstContent(doc *goquery.Document, sel string) string {
	node := doc.Find(sel).First()
	if c, ok := node.Attr("content"); ok && strings.TrimSpace(c) != "" {
		return strings.TrimSpace(c)
	}
	return strings.TrimSpace(node.Text())
}

func firstAttrOrText(doc *goquery.Document, microdata, attrSel, attrName string) string {
	if v := firstContent(doc, "["+microdata+"]"); v != "" {
		return v
	}
	if v, ok := doc.Find(attrSel).First().Attr(attrName); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// firstPrice pulls a numeric price string out of microdata or the usual price
// markup, normalizing decimal commas.
func firstPrice(doc *goquery.Document) string {
	raw := firstContent(doc, "[itemprop=price]")
	if raw == "" {
		raw = firstText(doc, ".price", ".product-price", "[data-price]")
	}
	raw = strings.ReplaceAll(raw, "\u00a0", "")
	raw = strings.ReplaceAll(raw, " ", "")
	m := priceRe.FindString(raw)
	return strings.ReplaceAll(m, ",", ".")
}
