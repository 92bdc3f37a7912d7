package models

import (
	"encoding/json"
	"strings"
)

// Variant is a sub-product sharing the parent's catalog page with its own SKU.
type Variant struct {
	SKU  string `json:"sku"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// CategoryMatch is a category hit returned alongside product results.
type CategoryMatch struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	DataPrompt string `json:"data-prompt,omitempty"`
}

// VideoLinks holds per-source video URLs extracted from a product record.
type VideoLinks struct {
	YouTube string `json:"youtube,omitempty"`
	Vimeo   string `json:"vimeo,omitempty"`
}

// Candidate is a product record annotated with a per-query similarity score.
// This is the shape the prompt-construction stage consumes.
type Candidate struct {
	Name            string          `json:"name"`
	URL             string          `json:"url"`
	ImageURL        string          `json:"image_url,omitempty"`
	PDFURL          string          `json:"pdf_url,omitempty"`
	Video           VideoLinks      `json:"video_url"`
	Description     string          `json:"description,omitempty"`
	FullDescription string          `json:"full_description,omitempty"`
	SKU             string          `json:"sku,omitempty"`
	Variants        []Variant       `json:"product_variations"`
	Categories      []CategoryMatch `json:"categories,omitempty"`
	SimilarityScore float64         `json:"similarity_score"`

	// MatchedVia records how the candidate was scored ("sku_exact",
	// "sku_prefix" or "vector"). Debug/tie-break use only.
	MatchedVia string `json:"-"`
}

// NormalizeSKU uppercases and trims a SKU for case-insensitive comparison.
func NormalizeSKU(sku string) string {
	return strings.ToUpper(strings.TrimSpace(sku))
}

// ParseVariants decodes the sub_products index field. The field may be a JSON
// array of variant objects, a single object, or garbage from a stale sync run.
// Unparseable input yields nil rather than an error.
func ParseVariants(raw string) []Variant {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var list []Variant
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list
	}

	var single Variant
	if err := json.Unmarshal([]byte(raw), &single); err == nil && (single.SKU != "" || single.Name != "") {
		return []Variant{single}
	}

	return nil
}

// ParseStringList decodes an index field that is either a JSON array of
// strings or a single bare value (category names/urls are stored both ways).
func ParseStringList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if strings.HasPrefix(raw, "[") {
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err == nil {
			return list
		}
	}

	return []string{raw}
}

// imageObject covers the nested image shapes the catalog sync produces.
type imageObject struct {
	Large     string `json:"large"`
	Medium    string `json:"medium"`
	Thumbnail string `json:"thumbnail"`
	ImageURL  string `json:"image_url"`
	URL       string `json:"url"`
}

func (o imageObject) pick() string {
	switch {
	case o.Large != "":
		return o.Large
	case o.Medium != "":
		return o.Medium
	case o.Thumbnail != "":
		return o.Thumbnail
	case o.ImageURL != "":
		return o.ImageURL
	default:
		return o.URL
	}
}

// ExtractImageURL pulls a single usable URL out of the image_url index field.
// The field may be a raw URL, a JSON array, a JSON object keyed by size, or a
// doubly-encoded JSON string of any of those. Returns "" when nothing usable
// is found.
func ExtractImageURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if strings.HasPrefix(raw, "http") {
		return raw
	}

	// Doubly-encoded: a JSON string wrapping the real payload.
	var nested string
	if err := json.Unmarshal([]byte(raw), &nested); err == nil {
		return ExtractImageURL(nested)
	}

	var list []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		if len(list) == 0 {
			return ""
		}
		return extractImageElement(list[0])
	}

	return extractImageElement(json.RawMessage(raw))
}

func extractImageElement(raw json.RawMessage) string {
	var obj imageObject
	if err := json.Unmarshal(raw, &obj); err == nil {
		if url := obj.pick(); url != "" {
			return url
		}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil && strings.HasPrefix(s, "http") {
		return s
	}

	return ""
}

// videoObject is one entry of the video_url index field.
type videoObject struct {
	VideoURL    string `json:"video_url"`
	URL         string `json:"url"`
	VideoSource string `json:"video_source"`
	Source      string `json:"source"`
}

// ExtractVideoLinks classifies video references into YouTube/Vimeo slots.
// Accepts a JSON array, a single object, or a doubly-encoded string; anything
// unparseable yields empty links.
func ExtractVideoLinks(raw string) VideoLinks {
	var links VideoLinks

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return links
	}

	var nested string
	if err := json.Unmarshal([]byte(raw), &nested); err == nil {
		return ExtractVideoLinks(nested)
	}

	var videos []videoObject
	if err := json.Unmarshal([]byte(raw), &videos); err != nil {
		var single videoObject
		if err := json.Unmarshal([]byte(raw), &single); err != nil {
			return links
		}
		videos = []videoObject{single}
	}

	for _, v := range videos {
		url := v.VideoURL
		if url == "" {
			url = v.URL
		}
		if url == "" {
			continue
		}

		source := strings.ToLower(v.VideoSource)
		if source == "" {
			source = strings.ToLower(v.Source)
		}

		switch {
		case strings.Contains(source, "youtube"), strings.Contains(url, "youtube.com"), strings.Contains(url, "youtu.be"):
			links.YouTube = url
		case strings.Contains(source, "vimeo"), strings.Contains(url, "vimeo.com"):
			links.Vimeo = url
		}
	}

	return links
}
