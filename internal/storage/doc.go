// Package storage is the durable history store: raw telemetry samples,
// minute/hour/day rollups, outage events, speed-test results, and the
// single speed-test schedule record.
//
// Raw samples are retention-bounded: periodic compaction folds them into
// rollups, and pruning removes samples only after their day bucket has
// been rolled up.
package storage
