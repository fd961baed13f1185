// Package scheduler turns weekly method recurrences into submissions.
//
// The scheduler is trigger-only; execution is delegated to the pool in
// internal/task/engine. It is responsible for:
//   - parsing recurrence text (time slots x weekdays)
//   - keeping one Entry (next fire + status) per known method
//   - submitting due methods once per slot
//   - replaying today's missed slots once per day (catch-up)
package scheduler
