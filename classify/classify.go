// SPDX-License-Identifier: GPL-3.0-or-later
package classify

import (
	"regexp"
	"strings"

	"github.com/CrawX/go-mail-warden/domain"
	"github.com/CrawX/go-mail-warden/log"

	"github.com/sirupsen/logrus"
)

const (
	headerWeight  = 0.5
	keywordWeight = 0.3
	patternWeight = 0.2
)

var defaultSpamKeywords = []string{
	"act now",
	"limited time",
	"winner",
	"congratulations",
	"free gift",
	"no obligation",
	"risk free",
	"click here",
	"unsubscribe now",
	"viagra",
	"lottery",
	"prize",
	"urgent response",
}

var promotionalSenderPattern = regexp.MustCompile(`(?i)(no-?reply|newsletter|marketing|promo(tions)?|deals?|offers?|sales?)@`)

var socialSenderPattern = regexp.MustCompile(`(?i)@(facebookmail|twitter|x|linkedin|instagram|pinterest|tiktok|reddit(static)?|nextdoor)\.`)

var workKeywords = []string{
	"meeting", "invoice", "project", "report", "schedule", "deadline",
	"review", "contract", "agenda", "proposal", "timesheet",
}

var promotionKeywords = []string{
	"sale", "% off", "discount", "coupon", "newsletter",
	"offer", "shop now", "clearance", "free shipping",
}

// Classifier scores messages with weighted header, keyword and pattern
// signals. No single signal is authoritative and the result is fully
// deterministic for identical input.
type Classifier struct {
	spamKeywords  []string
	spamThreshold float64

	l *logrus.Logger
}

func NewClassifier(spamKeywords []string, spamThreshold float64) *Classifier {
	if len(spamKeywords) == 0 {
		spamKeywords = defaultSpamKeywords
	}
	if spamThreshold <= 0 || spamThreshold > 1 {
		spamThreshold = 0.5
	}

	return &Classifier{
		spamKeywords:  spamKeywords,
		spamThreshold: spamThreshold,
		l:             log.Logger(log.LOG_CLASSIFIER),
	}
}

func (c *Classifier) Classify(summary *domain.MessageSummary, body string) domain.ClassificationResult {
	spamScore := c.spamScore(summary, body)
	if spamScore >= c.spamThreshold {
		c.l.WithFields(logrus.Fields{"subject": summary.Subject, "score": spamScore}).Debug("Classified as spam")
		return domain.ClassificationResult{
			Category:   domain.CategorySpam,
			Confidence: clamp(spamScore),
		}
	}

	category, confidence := c.category(summary, body)
	return domain.ClassificationResult{
		Category:   category,
		Confidence: confidence,
	}
}

func (c *Classifier) spamScore(summary *domain.MessageSummary, body string) float64 {
	header := headerSignal(summary.SpamHeaders)
	keyword := c.keywordSignal(summary.Subject, body)
	pattern := patternSignal(summary)

	return header*headerWeight + keyword*keywordWeight + pattern*patternWeight
}

func (c *Classifier) keywordSignal(subject, body string) float64 {
	haystack := strings.ToLower(subject + "\n" + body)

	hits := 0
	for _, keyword := range c.spamKeywords {
		if strings.Contains(haystack, keyword) {
			hits++
		}
	}

	// Three distinct keywords saturate the signal
	return clamp(float64(hits) / 3)
}

func patternSignal(summary *domain.MessageSummary) float64 {
	signal := 0.0

	if capsRatio(summary.Subject) > 0.6 && len(summary.Subject) > 8 {
		signal += 0.4
	}
	if strings.Count(summary.Subject, "!") >= 3 {
		signal += 0.3
	}
	if promotionalSenderPattern.MatchString(summary.From) {
		signal += 0.3
	}

	return clamp(signal)
}

func (c *Classifier) category(summary *domain.MessageSummary, body string) (domain.Category, float64) {
	if socialSenderPattern.MatchString(summary.From) {
		return domain.CategorySocial, 0.9
	}

	_, hasUnsubscribe := summary.SpamHeaders["List-Unsubscribe"]
	bulkPrecedence := strings.EqualFold(summary.SpamHeaders["Precedence"], "bulk") ||
		strings.EqualFold(summary.SpamHeaders["Precedence"], "list")
	if hasUnsubscribe || bulkPrecedence || promotionalSenderPattern.MatchString(summary.From) {
		return domain.CategoryPromotions, 0.8
	}

	haystack := strings.ToLower(summary.Subject + "\n" + body)
	if matches := countMatches(haystack, promotionKeywords); matches > 0 {
		return domain.CategoryPromotions, clamp(0.5 + float64(matches)*0.1)
	}
	if matches := countMatches(haystack, workKeywords); matches > 0 {
		return domain.CategoryWork, clamp(0.5 + float64(matches)*0.1)
	}

	return domain.CategoryPersonal, 0.4
}

func countMatches(haystack string, keywords []string) int {
	matches := 0
	for _, keyword := range keywords {
		if strings.Contains(haystack, keyword) {
			matches++
		}
	}
	return matches
}

func capsRatio(s string) float64 {
	letters, upper := 0, 0
	for _, r := range s {
		if r >= 'a' && r <= 'z' {
			letters++
		} else if r >= 'A' && r <= 'Z' {
			letters++
			upper++
		}
	}

	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
