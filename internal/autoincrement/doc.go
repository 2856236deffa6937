// Package autoincrement hands out human-friendly integer identifiers from
// blocks of numbers assigned to the device.
//
// # Overview
//
// Each (project, form, field) has an AutoIncrementState in the local-state
// database: the last issued value and a list of [start, stop) ranges. At
// most one range is in use. Allocation continues the range in use, or
// starts the earliest range that is not used up, and marks a range used up
// when its last value is issued. Ranges of different devices never overlap
// because they are assigned out of band; this package only guarantees that
// one device never issues a value twice.
//
// Every write carries the expected revision, so two allocations racing on
// the same field cannot both succeed; the loser re-reads and retries.
//
// The fields using an allocator are listed in the "local-autoincrementers"
// document of the project's metadata database.
package autoincrement
