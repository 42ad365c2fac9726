// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package source

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pdiddy/refmirror/pkg/types"
)

// pubmedArticle is the subset of a PubmedArticle element the mirror keeps.
type pubmedArticle struct {
	PMID     string `xml:"MedlineCitation>PMID"`
	Title    string `xml:"MedlineCitation>Article>ArticleTitle"`
	Abstract []struct {
		Label string `xml:"Label,attr"`
		Text  string `xml:",chardata"`
	} `xml:"MedlineCitation>Article>Abstract>AbstractText"`
	Authors []struct {
		LastName       string `xml:"LastName"`
		Initials       string `xml:"Initials"`
		CollectiveName string `xml:"CollectiveName"`
	} `xml:"MedlineCitation>Article>AuthorList>Author"`
	Journal string `xml:"MedlineCitation>Article>Journal>Title"`
	PubDate struct {
		Year        string `xml:"Year"`
		Month       string `xml:"Month"`
		Day         string `xml:"Day"`
		MedlineDate string `xml:"MedlineDate"`
	} `xml:"MedlineCitation>Article>Journal>JournalIssue>PubDate"`
	ELocations []struct {
		Type  string `xml:"EIdType,attr"`
		Value string `xml:",chardata"`
	} `xml:"MedlineCitation>Article>ELocationID"`
	ArticleIDs []struct {
		Type  string `xml:"IdType,attr"`
		Value string `xml:",chardata"`
	} `xml:"PubmedData>ArticleIdList>ArticleId"`
	Mesh     []string `xml:"MedlineCitation>MeshHeadingList>MeshHeading>DescriptorName"`
	Language []string `xml:"MedlineCitation>Article>Language"`
}

// pubmedDecoder streams PubmedArticle elements out of a baseline or update
// file without loading the whole tree.
type pubmedDecoder struct{}

func (pubmedDecoder) Decode(source, unitID string, content []byte) ([]types.RawRecord, error) {
	content, err := decompress(content)
	if err != nil {
		return nil, err
	}

	dec := xml.NewDecoder(bytes.NewReader(content))
	// Baseline files declare a DOCTYPE; entity expansion is not needed.
	dec.Strict = false

	var records []types.RawRecord
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return records, fmt.Errorf("reading pubmed xml %s: %w", unitID, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "PubmedArticle" {
			continue
		}
		var a pubmedArticle
		if err := dec.DecodeElement(&a, &start); err != nil {
			return records, fmt.Errorf("decoding article %d of %s: %w", len(records), unitID, err)
		}
		records = append(records, types.RawRecord{
			Source:  source,
			UnitID:  unitID,
			Ordinal: len(records),
			Fields:  a.fields(),
		})
	}
	return records, nil
}

func (a pubmedArticle) fields() types.Fields {
	f := types.Fields{
		"pmid":    a.PMID,
		"title":   a.Title,
		"journal": a.Journal,
	}

	var abstract []string
	for _, part := range a.Abstract {
		text := strings.TrimSpace(part.Text)
		if text == "" {
			continue
		}
		if part.Label != "" {
			text = part.Label + ": " + text
		}
		abstract = append(abstract, text)
	}
	f["abstract"] = strings.Join(abstract, "\n")

	var authors []string
	for _, au := range a.Authors {
		switch {
		case au.CollectiveName != "":
			authors = append(authors, au.CollectiveName)
		case au.LastName != "":
			authors = append(authors, strings.TrimSpace(au.LastName+" "+au.Initials))
		}
	}
	f["authors"] = authors

	d := a.PubDate
	switch {
	case d.Year != "" && d.Month != "" && d.Day != "":
		f["pub_date"] = d.Year + " " + d.Month + " " + d.Day
	case d.Year != "" && d.Month != "":
		f["pub_date"] = d.Year + " " + d.Month
	case d.Year != "":
		f["pub_date"] = d.Year
	default:
		f["pub_date"] = d.MedlineDate
	}

	for _, loc := range a.ELocations {
		if strings.EqualFold(loc.Type, "doi") {
			f["doi"] = strings.TrimSpace(loc.Value)
		}
	}
	if _, ok := f["doi"]; !ok {
		for _, id := range a.ArticleIDs {
			if strings.EqualFold(id.Type, "doi") {
				f["doi"] = strings.TrimSpace(id.Value)
			}
		}
	}

	f["mesh_terms"] = a.Mesh
	if len(a.Language) > 0 {
		f["language"] = a.Language[0]
	}
	return f
}
