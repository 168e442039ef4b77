package session

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/11ways/specter/pkg/types"
)

// ExtractLinks parses an HTML document loaded from pageURL and groups its
// anchors into internal (same host and port) and external links.
func ExtractLinks(pageURL string, r io.Reader) (*types.LinkSet, error) {
	page, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	base := page
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := page.Parse(strings.TrimSpace(href)); err == nil {
			base = resolved
		}
	}

	set := &types.LinkSet{}
	internal := make(map[string]int)
	external := make(map[string]int)

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		target, err := base.Parse(href)
		if err != nil {
			return
		}
		if target.Scheme != "http" && target.Scheme != "https" {
			return
		}
		target.Fragment = ""
		target.RawFragment = ""

		link := strings.TrimSuffix(target.String(), "/")
		text := strings.Join(strings.Fields(sel.Text()), " ")

		if strings.EqualFold(target.Host, page.Host) {
			set.Total++
			set.Internal = addLink(set.Internal, internal, link, text)
			return
		}
		set.External = addLink(set.External, external, link, text)
	})

	set.Unique = len(set.Internal)
	return set, nil
}

func addLink(links []types.Link, index map[string]int, link, text string) []types.Link {
	if i, ok := index[link]; ok {
		links[i].Count++
		if links[i].Text == "" {
			links[i].Text = text
		}
		return links
	}
	index[link] = len(links)
	return append(links, types.Link{URL: link, Count: 1, Text: text})
}
