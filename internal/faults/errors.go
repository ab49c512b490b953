// Package faults defines the sentinel markers shared by parcel's typed errors
// and helpers for classifying failures in logs, metrics, and notifications.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSourceNotFound = errors.New("source not found")
	ErrArchive        = errors.New("archive build failed")
	ErrSplit          = errors.New("split failed")
	ErrDispatch       = errors.New("dispatch failed")
	ErrReclaim        = errors.New("reclaim failed")
	ErrConfiguration  = errors.New("configuration error")
	ErrDelivery       = errors.New("delivery job rejected")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		return fmt.Errorf("%s: %w", detail, err)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind returns a short stable label for err suitable for metric labels and
// event types.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSourceNotFound):
		return "source_not_found"
	case errors.Is(err, ErrArchive):
		return "archive"
	case errors.Is(err, ErrSplit):
		return "split"
	case errors.Is(err, ErrDispatch):
		return "dispatch"
	case errors.Is(err, ErrReclaim):
		return "reclaim"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrDelivery):
		return "delivery"
	default:
		return "other"
	}
}

// Hint returns the next step an operator should take for err.
func Hint(err error) string {
	switch Kind(err) {
	case "source_not_found":
		return "check the source root and that capture data exists for the period"
	case "archive":
		return "check free space and permissions in paths.output_dir and read access to the capture directory"
	case "split":
		return "check free space and permissions in paths.output_dir"
	case "dispatch":
		return "check smtp settings and relay availability"
	case "reclaim":
		return "check file permissions; the retention sweep retries next cycle"
	case "configuration":
		return "run 'parcel config validate'"
	case "delivery":
		return "the archive was built but not scheduled; resend it with 'parcel send'"
	default:
		return "check logs for details"
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "failure"
	}
	return strings.Join(parts, ": ")
}
