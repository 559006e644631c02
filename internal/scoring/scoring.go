// Package scoring turns a set of check results into a 0-100 score.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/khanhnv2901/securiscan/internal/checker"
)

// FallbackWeight applies to categories without an explicit weight.
const FallbackWeight = 10

// CategoryWeights is the relative importance of each probe category.
var CategoryWeights = map[string]int{
	checker.CategoryHeaders:     30,
	checker.CategorySSL:         30,
	checker.CategoryOWASP:       25,
	checker.CategoryPerformance: 15,
}

// Points maps a severity to its point value. Every severity must be handled
// here; an unknown value is a programming error.
func Points(sev checker.Severity) float64 {
	switch sev {
	case checker.SeverityPass:
		return 100
	case checker.SeverityInfo:
		return 80
	case checker.SeverityWarning:
		return 40
	case checker.SeverityCritical:
		return 0
	}
	panic(fmt.Sprintf("scoring: unhandled severity %d", int(sev)))
}

// Weight returns the weight of a category.
func Weight(category string) int {
	if w, ok := CategoryWeights[category]; ok {
		return w
	}
	return FallbackWeight
}

// CategoryScores returns the mean point value of each category present in
// results.
func CategoryScores(results []checker.CheckResult) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range results {
		sums[r.Category] += Points(r.Severity)
		counts[r.Category]++
	}

	scores := make(map[string]float64, len(sums))
	for category, sum := range sums {
		scores[category] = sum / float64(counts[category])
	}
	return scores
}

// Calculate computes the weighted overall score over the categories present
// in results, rounded to the nearest integer. Empty input scores 0.
func Calculate(results []checker.CheckResult) int {
	if len(results) == 0 {
		return 0
	}

	scores := CategoryScores(results)

	// Sum in a fixed order so the float result does not depend on map order.
	categories := make([]string, 0, len(scores))
	for c := range scores {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var weighted, totalWeight float64
	for _, c := range categories {
		w := float64(Weight(c))
		weighted += scores[c] * w
		totalWeight += w
	}
	return int(math.Round(weighted / totalWeight))
}

// Grade maps a score to a letter grade.
func Grade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 65:
		return "C"
	case score >= 50:
		return "D"
	default:
		return "F"
	}
}
