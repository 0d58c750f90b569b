// SPDX-License-Identifier: GPL-3.0-or-later
package domain

type Category string

const (
	CategoryPersonal   = Category("personal")
	CategoryWork       = Category("work")
	CategoryPromotions = Category("promotions")
	CategorySocial     = Category("social")
	CategorySpam       = Category("spam")
)

// ClassificationResult carries a heuristic confidence in [0,1], not a
// probability guarantee. Identical input always yields an identical result.
type ClassificationResult struct {
	Category   Category
	Confidence float64
}

type Classifier interface {
	Classify(summary *MessageSummary, body string) ClassificationResult
}
