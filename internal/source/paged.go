// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/pdiddy/refmirror/internal/external"
)

// pagedAPI walks an offset-paginated JSON API. Each page is one unit, so a
// failed page is retried on its own.
type pagedAPI struct {
	base
}

// ListUnits requests a single record to learn the total, then emits one
// unit per page.
func (p *pagedAPI) ListUnits(ctx context.Context) ([]Unit, error) {
	first, err := p.pageURL(0, 1)
	if err != nil {
		return nil, err
	}
	body, err := p.get(ctx, first)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", p.cfg.Name, err)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding %s total: %w", p.cfg.Name, err)
	}
	total, ok := external.Int(doc, p.cfg.TotalPath)
	if !ok {
		return nil, fmt.Errorf("source %s: no total at %q", p.cfg.Name, p.cfg.TotalPath)
	}

	size := p.cfg.PageSize
	units := make([]Unit, 0, total/size+1)
	for offset := 0; offset < total; offset += size {
		u, err := p.pageURL(offset, size)
		if err != nil {
			return nil, err
		}
		units = append(units, Unit{ID: fmt.Sprintf("offset-%09d", offset), URL: u})
	}
	return units, nil
}

func (p *pagedAPI) FetchUnit(ctx context.Context, u Unit) ([]byte, error) {
	return p.get(ctx, u.URL)
}

func (p *pagedAPI) pageURL(offset, limit int) (string, error) {
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("source %s: parsing url: %w", p.cfg.Name, err)
	}
	q := u.Query()
	q.Set(p.cfg.OffsetParam, strconv.Itoa(offset))
	q.Set(p.cfg.LimitParam, strconv.Itoa(limit))
	if p.cfg.APIKeyParam != "" && p.opts.APIKey != "" {
		q.Set(p.cfg.APIKeyParam, p.opts.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
