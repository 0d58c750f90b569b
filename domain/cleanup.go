// SPDX-License-Identifier: GPL-3.0-or-later
package domain

// CleanupCriteria selects the messages a bulk run operates on. Substring
// filters are case-insensitive. A destructive run whose criteria would match
// every message in the folder is refused unless ConfirmMatchAll is set.
type CleanupCriteria struct {
	Folder          string
	OlderThanDays   int
	FromContains    string
	SubjectContains string
	DryRun          bool
	ConfirmMatchAll bool
}

// HasFilter reports whether at least one selecting filter is present.
func (c *CleanupCriteria) HasFilter() bool {
	return c.OlderThanDays > 0 || c.FromContains != "" || c.SubjectContains != ""
}

type BatchError struct {
	Batch int
	Uids  []string
	Error string
}

// CleanupReport is the full account of one bulk run. Batch failures are
// recorded here instead of aborting the run; the run as a whole is not a
// hard failure as long as some batches succeeded.
type CleanupReport struct {
	Scanned        int
	Matched        int
	MovedOrDeleted int
	DryRun         bool
	BatchErrors    []BatchError
}

// CategoryReport is the result of a categorization run over one folder.
type CategoryReport struct {
	Scanned     int
	Moved       int
	DryRun      bool
	PerCategory map[Category]int
	BatchErrors []BatchError
}
