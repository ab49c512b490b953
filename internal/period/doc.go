// Package period models the calendar day or month a capture directory,
// archive, or part belongs to.
//
// Labels render as 2006-01-02 (day) or 2006-01 (month). Every artifact in the
// output root is named with its label so the retention sweep can find it by
// name alone, without any job ledger.
package period
