package services

import (
	"math"
	"regexp"
	"strings"

	"github.com/vetassist/instrubot/models"
)

// Match provenance tags, used for tie-break logging and tests only.
const (
	MatchedViaVector    = "vector"
	MatchedViaSKUExact  = "sku_exact"
	MatchedViaSKUPrefix = "sku_prefix"
)

// minPrefixLen guards prefix promotion against trivially short targets like
// a bare "G".
const minPrefixLen = 3

// prefixPromotionScore is deliberately just under exact so a later exact
// variant in the same list still wins.
const prefixPromotionScore = 0.95

var skuPattern = regexp.MustCompile(`[A-Z]+\d*-\d+`)

// IsSKUPattern reports whether a query looks like an instrument code
// (G12-345, GD50-1234, ...). Intentionally permissive: a false positive just
// means one filtered lookup that finds nothing and falls through to vector
// search.
func IsSKUPattern(query string) bool {
	clean := models.NormalizeSKU(query)
	return skuPattern.MatchString(clean) || len(strings.Split(clean, "-")) > 1
}

// Ratio is a matching-blocks similarity measure in [0,1]: twice the total
// length of matching blocks over the combined length. 1.0 only for equal
// strings, symmetric for practical purposes.
func Ratio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	return 2.0 * float64(matchingTotal(a, b)) / float64(len(a)+len(b))
}

// matchingTotal sums the longest matching block between a and b plus,
// recursively, the matches to its left and right of that block.
func matchingTotal(a, b string) int {
	ai, bi, size := longestBlock(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingTotal(a[:ai], b[:bi])
	total += matchingTotal(a[ai+size:], b[bi+size:])
	return total
}

// longestBlock finds the longest common substring via the usual O(n*m) DP,
// keeping only one row live.
func longestBlock(a, b string) (ai, bi, size int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, 0
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > size {
					size = curr[j]
					ai = i - size
					bi = j - size
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}

	return ai, bi, size
}

// Promotion is the outcome of scoring a record against a target SKU: the
// effective display name/SKU and the authoritative similarity score.
type Promotion struct {
	Name       string
	SKU        string
	Score      float64
	MatchedVia string
}

// ScoreAndPromote reconciles a record's own SKU and its variant SKUs against
// the target. Precedence:
//
//  1. baseline = ratio(target, parent SKU)
//  2. each variant's ratio may raise the score even without promotion
//  3. an exact variant match promotes to 1.0 and stops the scan
//  4. a prefix match (target >= 3 chars) promotes tentatively to 0.95 and
//     keeps scanning, so a later exact match can still take over
//
// The returned score is rounded to 4 decimals.
func ScoreAndPromote(name, parentSKU string, variants []models.Variant, targetSKU string) Promotion {
	target := models.NormalizeSKU(targetSKU)

	result := Promotion{
		Name:       name,
		SKU:        models.NormalizeSKU(parentSKU),
		Score:      Ratio(target, models.NormalizeSKU(parentSKU)),
		MatchedVia: MatchedViaVector,
	}

	for _, variant := range variants {
		variantSKU := models.NormalizeSKU(variant.SKU)

		if ratio := Ratio(target, variantSKU); ratio > result.Score {
			result.Score = ratio
		}

		if variantSKU == target {
			if variant.Name != "" {
				result.Name = variant.Name
			}
			result.SKU = variantSKU
			result.Score = 1.0
			result.MatchedVia = MatchedViaSKUExact
			break
		}

		if len(target) >= minPrefixLen && strings.HasPrefix(variantSKU, target) && result.Score < prefixPromotionScore {
			if variant.Name != "" {
				result.Name = variant.Name
			}
			result.SKU = variantSKU
			result.Score = prefixPromotionScore
			result.MatchedVia = MatchedViaSKUPrefix
			// No break: an exact match later in the list must still win.
		}
	}

	result.Score = Round4(result.Score)
	return result
}

// Round4 rounds a similarity score to the 4 decimal places the response
// schema promises.
func Round4(score float64) float64 {
	return math.Round(score*10000) / 10000
}

// MergeByURL merges two candidate lists, priority first, dropping duplicates
// by canonical URL. First occurrence wins; entries without a URL are dropped.
func MergeByURL(priority, regular []models.Candidate) []models.Candidate {
	seen := make(map[string]struct{}, len(priority)+len(regular))
	merged := make([]models.Candidate, 0, len(priority)+len(regular))

	for _, item := range append(append([]models.Candidate{}, priority...), regular...) {
		if item.URL == "" {
			continue
		}
		if _, ok := seen[item.URL]; ok {
			continue
		}
		seen[item.URL] = struct{}{}
		merged = append(merged, item)
	}

	return merged
}
