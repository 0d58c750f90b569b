// SPDX-License-Identifier: GPL-3.0-or-later
package classify

import (
	"regexp"
	"strconv"
	"strings"
)

// spamScoreCeiling is the score at which the header signal saturates. It
// matches the usual SpamAssassin scale where anything at 10 points is
// unambiguously spam.
const spamScoreCeiling = 10.0

var ratioPattern = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)\s*/\s*(\d+(?:\.\d+)?)\s*$`)
var statusScorePattern = regexp.MustCompile(`score=(-?\d+(?:\.\d+)?)`)

// ParseSpamScore reads an X-Spam-Score value tolerantly. Plain integers and
// decimals are returned as-is; "N/M" ratios are normalized to N/M (so "12/15"
// yields 0.8). Anything unparsable, including a zero denominator, reports
// ok=false and must contribute zero weight.
func ParseSpamScore(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if m := ratioPattern.FindStringSubmatch(value); m != nil {
		numerator, err1 := strconv.ParseFloat(m[1], 64)
		denominator, err2 := strconv.ParseFloat(m[2], 64)
		if err1 != nil || err2 != nil || denominator == 0 {
			return 0, false
		}
		return numerator / denominator, true
	}

	score, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}

	return score, true
}

// headerSignal folds the spam-relevant headers into a [0,1] signal. Malformed
// or missing values weigh zero, they never fail the classification.
func headerSignal(headers map[string]string) float64 {
	signal := 0.0

	if score, ok := ParseSpamScore(headers["X-Spam-Score"]); ok {
		signal = normalizeScore(score)
	} else if status, present := headers["X-Spam-Status"]; present {
		if m := statusScorePattern.FindStringSubmatch(status); m != nil {
			if score, err := strconv.ParseFloat(m[1], 64); err == nil {
				signal = normalizeScore(score)
			}
		} else if strings.HasPrefix(strings.ToLower(strings.TrimSpace(status)), "yes") {
			signal = 0.8
		}
	}

	if strings.EqualFold(strings.TrimSpace(headers["X-Spam-Flag"]), "yes") && signal < 0.8 {
		signal = 0.8
	}

	return signal
}

func normalizeScore(score float64) float64 {
	if score <= 0 {
		return 0
	}
	// Ratio values arrive already normalized to [0,1]
	if score <= 1 {
		return score
	}
	if score >= spamScoreCeiling {
		return 1
	}
	return score / spamScoreCeiling
}
