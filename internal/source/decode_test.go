// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package source

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/refmirror/pkg/types"
)

func gz(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestCSVDecoder_FieldMapAndDelimiter(t *testing.T) {
	dec, err := NewDecoder(types.SourceConfig{
		Entity:    types.EntityHCPCS,
		Format:    types.FormatCSV,
		Delimiter: "|",
		FieldMap:  map[string]string{"code": "HCPC", "short_description": "SHORT DESCRIPTION"},
	})
	require.NoError(t, err)

	content := "\ufeffHCPC|SHORT DESCRIPTION|Status|extra\nJ1100|Dexamethasone sodium phos|A|x\nG0008|Admin influenza virus vac\n"
	recs, err := dec.Decode("hcpcs", "2026", []byte(content))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, types.Fields{"code": "J1100", "short_description": "Dexamethasone sodium phos", "status": "A"}, recs[0].Fields)
	assert.Equal(t, 1, recs[1].Ordinal)
	assert.Equal(t, "2026", recs[1].UnitID)
	assert.Equal(t, "hcpcs", recs[1].Source)
	_, hasStatus := recs[1].Fields["status"]
	assert.False(t, hasStatus, "short rows leave trailing fields absent")
}

func TestCSVDecoder_Gzip(t *testing.T) {
	dec, err := NewDecoder(types.SourceConfig{Entity: types.EntityICD10, Format: types.FormatCSV})
	require.NoError(t, err)

	recs, err := dec.Decode("icd", "u", gz(t, "code,description\nE11.9,Type 2 diabetes\n"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "E11.9", recs[0].Fields["code"])
}

func TestCSVDecoder_Empty(t *testing.T) {
	dec, err := NewDecoder(types.SourceConfig{Entity: types.EntityICD10, Format: types.FormatCSV})
	require.NoError(t, err)

	recs, err := dec.Decode("icd", "u", nil)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestJSONDecoder_ItemsPath(t *testing.T) {
	dec, err := NewDecoder(types.SourceConfig{
		Entity:    types.EntityTrial,
		Format:    types.FormatJSON,
		ItemsPath: "studies",
		FieldMap: map[string]string{
			"nct_id":     "protocolSection.identificationModule.nctId",
			"title":      "protocolSection.identificationModule.briefTitle",
			"conditions": "protocolSection.conditionsModule.conditions",
			"enrollment": "protocolSection.designModule.enrollmentInfo.count",
		},
	})
	require.NoError(t, err)

	content := `{"studies":[{"protocolSection":{
		"identificationModule":{"nctId":"NCT01234567","briefTitle":"A trial"},
		"conditionsModule":{"conditions":["Asthma","COPD"]},
		"designModule":{"enrollmentInfo":{"count":120}}}}]}`
	recs, err := dec.Decode("ctgov", "p1", []byte(content))
	require.NoError(t, err)
	require.Len(t, recs, 1)

	f := recs[0].Fields
	assert.Equal(t, "NCT01234567", f["nct_id"])
	assert.Equal(t, []any{"Asthma", "COPD"}, f["conditions"])
	assert.Equal(t, float64(120), f["enrollment"])
	_, hasSponsor := f["sponsor"]
	assert.False(t, hasSponsor)
}

func TestJSONDecoder_JSONLines(t *testing.T) {
	dec, err := NewDecoder(types.SourceConfig{Entity: types.EntityFood, Format: types.FormatJSON})
	require.NoError(t, err)

	recs, err := dec.Decode("fdc", "u", []byte("{\"fdc_id\":\"1\",\"description\":\"Apple\"}\n{\"fdc_id\":\"2\",\"description\":\"Pear\"}\n"))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Pear", recs[1].Fields["description"])
}

const pubmedXML = `<?xml version="1.0" ?>
<!DOCTYPE PubmedArticleSet PUBLIC "-//NLM//DTD PubMedArticle, 1st January 2025//EN" "https://dtd.nlm.nih.gov/ncbi/pubmed/out/pubmed_250101.dtd">
<PubmedArticleSet>
<PubmedArticle>
  <MedlineCitation Status="MEDLINE" Owner="NLM">
    <PMID Version="1">31452104</PMID>
    <Article PubModel="Print">
      <Journal>
        <JournalIssue CitedMedium="Internet">
          <PubDate><Year>2019</Year><Month>Sep</Month><Day>05</Day></PubDate>
        </JournalIssue>
        <Title>The New England journal of medicine</Title>
      </Journal>
      <ArticleTitle>Dapagliflozin in Patients with Heart Failure.</ArticleTitle>
      <ELocationID EIdType="doi" ValidYN="Y">10.1056/NEJMoa1911303</ELocationID>
      <Abstract>
        <AbstractText Label="BACKGROUND">In patients with type 2 diabetes...</AbstractText>
        <AbstractText Label="METHODS">We randomly assigned...</AbstractText>
      </Abstract>
      <AuthorList CompleteYN="Y">
        <Author ValidYN="Y"><LastName>McMurray</LastName><ForeName>John J V</ForeName><Initials>JJV</Initials></Author>
        <Author ValidYN="Y"><CollectiveName>DAPA-HF Trial Committees</CollectiveName></Author>
      </AuthorList>
      <Language>eng</Language>
    </Article>
    <MeshHeadingList>
      <MeshHeading><DescriptorName UI="D006333">Heart Failure</DescriptorName></MeshHeading>
      <MeshHeading><DescriptorName UI="D000077203">Glucosides</DescriptorName></MeshHeading>
    </MeshHeadingList>
  </MedlineCitation>
</PubmedArticle>
<PubmedArticle>
  <MedlineCitation>
    <PMID Version="1">100</PMID>
    <Article>
      <Journal><JournalIssue><PubDate><MedlineDate>1998 Dec-1999 Jan</MedlineDate></PubDate></JournalIssue><Title>J</Title></Journal>
      <ArticleTitle>Second</ArticleTitle>
    </Article>
  </MedlineCitation>
  <PubmedData><ArticleIdList><ArticleId IdType="doi">10.1/second</ArticleId></ArticleIdList></PubmedData>
</PubmedArticle>
</PubmedArticleSet>`

func TestPubMedDecoder(t *testing.T) {
	dec, err := NewDecoder(types.SourceConfig{Entity: types.EntityArticle, Format: types.FormatPubMedXML})
	require.NoError(t, err)

	recs, err := dec.Decode("pubmed", "pubmed26n0001.xml.gz", gz(t, pubmedXML))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	f := recs[0].Fields
	assert.Equal(t, "31452104", f["pmid"])
	assert.Equal(t, "Dapagliflozin in Patients with Heart Failure.", f["title"])
	assert.Equal(t, "The New England journal of medicine", f["journal"])
	assert.Equal(t, "2019 Sep 05", f["pub_date"])
	assert.Equal(t, "10.1056/NEJMoa1911303", f["doi"])
	assert.Equal(t, []string{"McMurray JJV", "DAPA-HF Trial Committees"}, f["authors"])
	assert.Equal(t, []string{"Heart Failure", "Glucosides"}, f["mesh_terms"])
	assert.Equal(t, "eng", f["language"])
	assert.Contains(t, f["abstract"], "BACKGROUND: In patients")

	second := recs[1].Fields
	assert.Equal(t, 1, recs[1].Ordinal)
	assert.Equal(t, "1998 Dec-1999 Jan", second["pub_date"])
	assert.Equal(t, "10.1/second", second["doi"])
}

func TestPubMedDecoder_RequiresArticles(t *testing.T) {
	_, err := NewDecoder(types.SourceConfig{Entity: types.EntityDrug, Format: types.FormatPubMedXML})
	assert.Error(t, err)
}
