// Package extract turns an HTML page into raw grant records using the
// selector rules configured on a source.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/grant-scout/internal/grant"
)

// Records parses body and applies the source selectors. It returns a
// *grant.ParseError when the page has content but yields nothing and no
// empty-marker explains it.
func Records(src grant.Source, pageURL string, body []byte) ([]grant.RawRecord, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(src.Selectors.Item) == "" || strings.TrimSpace(src.Selectors.Title) == "" {
		return nil, fmt.Errorf("source %s: item and title selectors are required", src.ID)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &grant.ParseError{
			SourceID:  src.ID,
			URL:       pageURL,
			Selector:  src.Selectors.Item,
			BodyBytes: len(body),
			Body:      body,
		}
	}
	base, _ := url.Parse(pageURL)

	var records []grant.RawRecord
	doc.Find(src.Selectors.Item).Each(func(_ int, item *goquery.Selection) {
		rec := grant.RawRecord{
			Title:       field(item, src.Selectors.Title),
			Description: field(item, src.Selectors.Description),
			Deadline:    field(item, src.Selectors.Deadline),
			Amount:      field(item, src.Selectors.Amount),
			Funder:      field(item, src.Selectors.Funder),
			Category:    field(item, src.Selectors.Category),
			URL:         resolve(base, field(item, src.Selectors.Link)),
		}
		if rec.Title == "" {
			return
		}
		records = append(records, rec)
	})
	if len(records) > 0 {
		return records, nil
	}
	if src.Selectors.Empty != "" && doc.Find(src.Selectors.Empty).Length() > 0 {
		return nil, nil
	}
	return nil, &grant.ParseError{
		SourceID:  src.ID,
		URL:       pageURL,
		Selector:  src.Selectors.Item,
		BodyBytes: len(body),
		Body:      body,
	}
}

// field evaluates "css" for text or "css@attr" for an attribute. An empty
// css part ("@data-id") reads the attribute of the item itself.
func field(item *goquery.Selection, selector string) string {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return ""
	}
	css, attr, hasAttr := strings.Cut(selector, "@")
	sel := item
	if css = strings.TrimSpace(css); css != "" {
		sel = item.Find(css).First()
	}
	if sel.Length() == 0 {
		return ""
	}
	if hasAttr {
		v, _ := sel.Attr(strings.TrimSpace(attr))
		return strings.TrimSpace(v)
	}
	return collapse(sel.Text())
}

func resolve(base *url.URL, link string) string {
	if link == "" || base == nil {
		return link
	}
	ref, err := url.Parse(link)
	if err != nil {
		return link
	}
	return base.ResolveReference(ref).String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TargetURL returns the URL to request for src, injecting the API key for the
// source type into the AuthParam query parameter when one is configured.
func TargetURL(src grant.Source, keys map[string]string) (string, error) {
	u, err := url.Parse(src.URL)
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}
	if src.AuthParam == "" {
		return u.String(), nil
	}
	key := keys[string(src.Type)]
	if key == "" {
		return "", fmt.Errorf("no api key configured for source type %q", src.Type)
	}
	q := u.Query()
	q.Set(src.AuthParam, key)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
