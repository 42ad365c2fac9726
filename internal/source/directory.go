// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// directory lists bulk files linked from an HTTP directory index, such as
// the yearly baseline archives of a literature index.
type directory struct {
	base
	pattern *regexp.Regexp
}

func newDirectory(b base) (*directory, error) {
	d := &directory{base: b}
	if b.cfg.Pattern != "" {
		re, err := regexp.Compile(b.cfg.Pattern)
		if err != nil {
			return nil, fmt.Errorf("source %s: compiling pattern: %w", b.cfg.Name, err)
		}
		d.pattern = re
	}
	return d, nil
}

// ListUnits fetches the index page and returns one unit per linked file
// whose name matches the pattern, in page order.
func (d *directory) ListUnits(ctx context.Context) ([]Unit, error) {
	body, err := d.get(ctx, d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", d.cfg.Name, err)
	}

	baseURL, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing index url: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing index of %s: %w", d.cfg.Name, err)
	}

	var units []Unit
	seen := map[string]bool{}
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") || strings.HasSuffix(href, "/") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := baseURL.ResolveReference(ref)
		name := path.Base(abs.Path)
		if name == "" || name == "." || name == "/" {
			return
		}
		if d.pattern != nil && !d.pattern.MatchString(name) {
			return
		}
		if seen[name] {
			return
		}
		seen[name] = true
		units = append(units, Unit{ID: name, URL: abs.String()})
	})
	return units, nil
}

func (d *directory) FetchUnit(ctx context.Context, u Unit) ([]byte, error) {
	return d.get(ctx, u.URL)
}
