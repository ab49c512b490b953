// Package cron parses five-field cron expressions used for source cycle
// schedules and answers whether a given minute matches.
//
// Fields are minute (0-59), hour (0-23), day of month (1-31), month (1-12),
// and day of week (0-6, 0=Sunday). Each accepts *, values, ranges, lists,
// and steps. Day-of-month and day-of-week are ANDed. Evaluation uses the
// location of the time passed in.
package cron
