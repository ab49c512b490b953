// Package pipeline runs packaging cycles.
//
// A cycle for one source discovers the capture directories of the period
// being packaged, builds and splits an archive for each, submits one
// delivery job per archive, and sweeps the expired period. Delivered jobs
// reclaim their files; jobs with failed parts leave them for the sweep.
package pipeline
