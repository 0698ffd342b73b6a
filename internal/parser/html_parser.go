// Package parser provides the default catalog extractor.
// It reads index pages for item links and detail pages for item attributes,
// trying structured selectors first and falling back to text patterns.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/masahif/catalogferry/internal/crawler"
)

var (
	_ crawler.Extractor    = (*HTMLParser)(nil)
	_ crawler.TotalCounter = (*HTMLParser)(nil)
)

// Labels tried in order for labelled detail fields
var (
	brandLabels = []string{"Brand", "Manufacturer"}
	modelLabels = []string{"Model", "Product Code"}
)

var (
	brandFallback    = regexp.MustCompile(`(?i)Manufacturer:\s*([^<\n]+)`)
	modelFallback    = regexp.MustCompile(`(?i)Model:\s*([^<\n]+)`)
	categoryFallback = regexp.MustCompile(`Inventory\s*>\s*Tools\s*>\s*([^>]+)>`)
	imageExtension   = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|webp)(\?.*)?$`)
	totalPattern     = regexp.MustCompile(`(?i)([\d,]+)\s+(?:items|results|tools)\b`)
	spaces           = regexp.MustCompile(`\s+`)
)

// HTMLParser extracts item references and item attributes from HTML
type HTMLParser struct {
	itemLink  *regexp.Regexp
	converter *md.Converter
}

// NewHTMLParser creates a parser. itemLinkPattern must match detail page
// links and capture the item id in its first group.
func NewHTMLParser(itemLinkPattern string) (*HTMLParser, error) {
	re, err := regexp.Compile(itemLinkPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid item link pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("item link pattern %q must capture the item id", itemLinkPattern)
	}

	return &HTMLParser{
		itemLink:  re,
		converter: md.NewConverter("", true, nil),
	}, nil
}

func parseDocument(body []byte) (*goquery.Document, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return goquery.NewDocumentFromNode(root), nil
}

// ExtractIndex returns the item references on an index page in page order.
// An id linked several times is reported once, keeping the first non-empty
// link text as its name.
func (p *HTMLParser) ExtractIndex(body []byte, pageURL string) ([]crawler.ItemRef, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL: %w", err)
	}

	var refs []crawler.ItemRef
	index := make(map[string]int)

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		m := p.itemLink.FindStringSubmatch(href)
		if m == nil || m[1] == "" {
			return
		}
		id := m[1]
		name := cleanText(s.Text())

		if i, ok := index[id]; ok {
			if refs[i].Name == "" {
				refs[i].Name = name
			}
			return
		}

		ref := crawler.ItemRef{
			ID:       id,
			Name:     name,
			URL:      resolve(base, href),
			Category: cleanText(s.Closest("[data-category]").AttrOr("data-category", "")),
		}
		index[id] = len(refs)
		refs = append(refs, ref)
	})

	// Links rendered outside anchors, e.g. in inline scripts
	for _, m := range p.itemLink.FindAllSubmatch(body, -1) {
		id := string(m[1])
		if _, ok := index[id]; ok || id == "" {
			continue
		}
		index[id] = len(refs)
		refs = append(refs, crawler.ItemRef{ID: id, URL: resolve(base, string(m[0]))})
	}

	return refs, nil
}

// ExtractTotal reads the catalog size from a data-total attribute or from
// text such as "Showing 1-15 of 1,209 items".
func (p *HTMLParser) ExtractTotal(body []byte) (int, bool) {
	doc, err := parseDocument(body)
	if err != nil {
		return 0, false
	}

	if v, ok := doc.Find("[data-total]").First().Attr("data-total"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n, true
		}
	}

	m := totalPattern.FindStringSubmatch(doc.Text())
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// ExtractDetail returns the attributes and media references of a detail
// page. Fields that cannot be found are left out of the attribute map.
func (p *HTMLParser) ExtractDetail(body []byte, itemURL string) (*crawler.ItemDetail, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(itemURL)
	if err != nil {
		return nil, fmt.Errorf("invalid item URL: %w", err)
	}

	raw := string(body)
	attrs := make(map[string]any)
	set := func(key, value string) {
		if value != "" {
			attrs[key] = value
		}
	}

	set("name", cleanText(doc.Find("h1").First().Text()))
	set("brand", firstNonEmpty(labelledValue(doc, brandLabels), patternValue(brandFallback, raw)))
	set("model", firstNonEmpty(labelledValue(doc, modelLabels), patternValue(modelFallback, raw)))
	set("description", p.description(doc))
	set("category", p.category(doc))

	images := imageURLs(doc, base)
	if len(images) > 0 {
		attrs["image_urls"] = images
	}

	if specs := specifications(doc); len(specs) > 0 {
		attrs["specifications"] = specs
	}

	return &crawler.ItemDetail{Attributes: attrs, MediaURLs: images}, nil
}

// description renders the first description block as markdown, falling
// back to the meta description
func (p *HTMLParser) description(doc *goquery.Document) string {
	block := doc.Find(`div[class*="description"], p[class*="description"], section[class*="description"]`).First()
	if block.Length() > 0 {
		inner, err := block.Html()
		if err == nil {
			if text, err := p.converter.ConvertString(inner); err == nil && strings.TrimSpace(text) != "" {
				return strings.TrimSpace(text)
			}
		}
		if text := cleanText(block.Text()); text != "" {
			return text
		}
	}

	content, _ := doc.Find(`meta[name="description"]`).Attr("content")
	return cleanText(content)
}

func (p *HTMLParser) category(doc *goquery.Document) string {
	var crumbs []string
	doc.Find(".breadcrumb li, .breadcrumb a, nav[aria-label=breadcrumb] li").Each(func(_ int, s *goquery.Selection) {
		if text := cleanText(s.Text()); text != "" && (len(crumbs) == 0 || crumbs[len(crumbs)-1] != text) {
			crumbs = append(crumbs, text)
		}
	})

	// Inventory > Tools > <category> > <item>
	for i := 0; i+2 < len(crumbs); i++ {
		if strings.EqualFold(crumbs[i], "Tools") {
			return crumbs[i+1]
		}
	}

	return patternValue(categoryFallback, doc.Text())
}

// labelledValue finds "<strong>Label:</strong> value", "<dt>Label</dt><dd>value</dd>"
// or "<th>Label</th><td>value</td>" for the first label present
func labelledValue(doc *goquery.Document, labels []string) string {
	for _, label := range labels {
		var value string
		doc.Find("strong, b, dt, th").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if !strings.EqualFold(strings.TrimSuffix(cleanText(s.Text()), ":"), label) {
				return true
			}
			switch goquery.NodeName(s) {
			case "dt":
				value = cleanText(s.NextFiltered("dd").Text())
			case "th":
				value = cleanText(s.NextFiltered("td").Text())
			default:
				value = followingText(s)
			}
			return value == ""
		})
		if value != "" {
			return value
		}
	}
	return ""
}

// followingText collects the text nodes after s up to the next element
func followingText(s *goquery.Selection) string {
	node := s.Get(0)
	var b strings.Builder
	for n := node.NextSibling; n != nil && n.Type == html.TextNode; n = n.NextSibling {
		b.WriteString(n.Data)
	}
	text := b.String()
	if i := strings.IndexByte(text, '\n'); i >= 0 && strings.TrimSpace(text[:i]) != "" {
		text = text[:i]
	}
	return cleanText(text)
}

// imageURLs returns absolute image references in page order, S3-hosted
// images first
func imageURLs(doc *goquery.Document, base *url.URL) []string {
	var hosted, other []string
	seen := make(map[string]bool)

	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		abs := resolve(base, src)
		if seen[abs] {
			return
		}

		switch {
		case strings.Contains(abs, "amazonaws.com"):
			hosted = append(hosted, abs)
		case imageExtension.MatchString(abs):
			other = append(other, abs)
		default:
			return
		}
		seen[abs] = true
	})

	return append(hosted, other...)
}

func specifications(doc *goquery.Document) map[string]string {
	specs := make(map[string]string)
	doc.Find(`table[class*="spec"] tr`).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		key := cleanText(cells.Eq(0).Text())
		value := cleanText(cells.Eq(1).Text())
		if key != "" && value != "" {
			specs[key] = value
		}
	})
	return specs
}

func patternValue(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return cleanText(html.UnescapeString(m[1]))
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func cleanText(s string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
