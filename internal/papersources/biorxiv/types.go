package biorxiv

// SearchResponse is the Europe PMC search response in core result mode.
type SearchResponse struct {
	HitCount       int        `json:"hitCount"`
	NextCursorMark string     `json:"nextCursorMark"`
	ResultList     ResultList `json:"resultList"`
}

type ResultList struct {
	Result []Article `json:"result"`
}

// Article is one preprint record.
type Article struct {
	ID                   string      `json:"id"`
	Source               string      `json:"source"` // "PPR" for preprints
	DOI                  string      `json:"doi"`
	Title                string      `json:"title"`
	AuthorString         string      `json:"authorString"` // "Smith A, Jones B."
	AuthorList           AuthorList  `json:"authorList"`
	AbstractText         string      `json:"abstractText"`
	FirstPublicationDate string      `json:"firstPublicationDate"` // "2024-01-15"
	PublisherName        string      `json:"publisherName"`        // "bioRxiv" or "medRxiv"
	KeywordList          KeywordList `json:"keywordList"`
}

type KeywordList struct {
	Keyword []string `json:"keyword"`
}

type AuthorList struct {
	Author []Author `json:"author"`
}

type Author struct {
	FullName     string             `json:"fullName"`
	Affiliations AffiliationDetails `json:"authorAffiliationDetailsList"`
}

type AffiliationDetails struct {
	AuthorAffiliation []struct {
		Affiliation string `json:"affiliation"`
	} `json:"authorAffiliation"`
}
