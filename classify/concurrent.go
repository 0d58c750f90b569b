// SPDX-License-Identifier: GPL-3.0-or-later
package classify

import "github.com/CrawX/go-mail-warden/domain"

// Input pairs a summary with its body text for ClassifyAll.
type Input struct {
	Summary *domain.MessageSummary
	Body    string
}

// ClassifyAll scores a batch with bounded concurrency. Results keep the
// input order.
func (c *Classifier) ClassifyAll(inputs []Input, concurrency int) []domain.ClassificationResult {
	semaphore := make(chan bool, concurrency)
	results := make([]domain.ClassificationResult, len(inputs))
	for i := 0; i < len(inputs); i++ {
		semaphore <- true
		go func(index int) {
			results[index] = c.Classify(inputs[index].Summary, inputs[index].Body)
			<-semaphore
		}(i)
	}

	for i := 0; i < concurrency; i++ {
		semaphore <- true
	}

	return results
}
