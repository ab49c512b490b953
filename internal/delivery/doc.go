// Package delivery schedules archive parts for dispatch.
//
// A job with one part is sent immediately. A job with n parts gets n
// distinct, increasing trigger minutes spread by a deterministic per-job
// jitter, and Tick hands one part to the job's sender each time a trigger
// minute is reached. Failed parts are recorded as outcomes and never stop
// the rest of the job; the completion callback sees every outcome.
package delivery
