// Package pubmed searches PubMed through the NCBI E-utilities API.
//
// A search is two calls: esearch.fcgi for matching PMIDs, then efetch.fcgi
// for the article records. API documentation:
// https://www.ncbi.nlm.nih.gov/books/NBK25499/
package pubmed

import "encoding/xml"

// ESearchResult is the esearch.fcgi response.
type ESearchResult struct {
	XMLName   xml.Name   `xml:"eSearchResult"`
	Count     int        `xml:"Count"`
	RetMax    int        `xml:"RetMax"`
	RetStart  int        `xml:"RetStart"`
	IDList    IDList     `xml:"IdList"`
	ErrorList *ErrorList `xml:"ErrorList,omitempty"`
}

type IDList struct {
	IDs []string `xml:"Id"`
}

// ErrorList is returned alongside an empty IdList when terms match nothing.
type ErrorList struct {
	PhraseNotFound []string `xml:"PhraseNotFound,omitempty"`
	FieldNotFound  []string `xml:"FieldNotFound,omitempty"`
}

// ArticleSet is the efetch.fcgi response.
type ArticleSet struct {
	XMLName  xml.Name  `xml:"PubmedArticleSet"`
	Articles []Article `xml:"PubmedArticle"`
}

type Article struct {
	Citation Citation   `xml:"MedlineCitation"`
	Data     PubmedData `xml:"PubmedData"`
}

type Citation struct {
	PMID            string           `xml:"PMID"`
	Article         ArticleMeta      `xml:"Article"`
	MeshHeadingList *MeshHeadingList `xml:"MeshHeadingList,omitempty"`
	KeywordList     *KeywordList     `xml:"KeywordList,omitempty"`
}

type ArticleMeta struct {
	Journal      Journal       `xml:"Journal"`
	ArticleTitle string        `xml:"ArticleTitle"`
	Abstract     *Abstract     `xml:"Abstract,omitempty"`
	AuthorList   *AuthorList   `xml:"AuthorList,omitempty"`
	ELocationIDs []ELocationID `xml:"ELocationID,omitempty"`
	ArticleDates []ArticleDate `xml:"ArticleDate,omitempty"`
}

type Journal struct {
	Title        string       `xml:"Title,omitempty"`
	JournalIssue JournalIssue `xml:"JournalIssue"`
}

type JournalIssue struct {
	PubDate PubDate `xml:"PubDate"`
}

// PubDate carries either Year/Month/Day or a free-form MedlineDate such as
// "2020 Jan-Feb".
type PubDate struct {
	Year        string `xml:"Year,omitempty"`
	Month       string `xml:"Month,omitempty"`
	Day         string `xml:"Day,omitempty"`
	MedlineDate string `xml:"MedlineDate,omitempty"`
}

type ArticleDate struct {
	DateType string `xml:"DateType,attr,omitempty"`
	Year     string `xml:"Year"`
	Month    string `xml:"Month,omitempty"`
	Day      string `xml:"Day,omitempty"`
}

type ELocationID struct {
	EIdType string `xml:"EIdType,attr"`
	ValidYN string `xml:"ValidYN,attr,omitempty"`
	Value   string `xml:",chardata"`
}

// Abstract may be split into labelled sections (BACKGROUND, METHODS, ...).
type Abstract struct {
	Texts []AbstractText `xml:"AbstractText"`
}

type AbstractText struct {
	Label string `xml:"Label,attr,omitempty"`
	Value string `xml:",chardata"`
}

type AuthorList struct {
	Authors []Author `xml:"Author"`
}

type Author struct {
	ValidYN         string            `xml:"ValidYN,attr,omitempty"`
	LastName        string            `xml:"LastName,omitempty"`
	ForeName        string            `xml:"ForeName,omitempty"`
	CollectiveName  string            `xml:"CollectiveName,omitempty"`
	AffiliationInfo []AffiliationInfo `xml:"AffiliationInfo,omitempty"`
}

type AffiliationInfo struct {
	Affiliation string `xml:"Affiliation"`
}

type MeshHeadingList struct {
	Headings []MeshHeading `xml:"MeshHeading"`
}

type MeshHeading struct {
	Descriptor string `xml:"DescriptorName"`
}

type KeywordList struct {
	Keywords []string `xml:"Keyword"`
}

type PubmedData struct {
	ArticleIDs []ArticleID `xml:"ArticleIdList>ArticleId"`
}

// ArticleID is one of the record's identifiers: pubmed, doi, pmc, pii.
type ArticleID struct {
	IDType string `xml:"IdType,attr"`
	Value  string `xml:",chardata"`
}
