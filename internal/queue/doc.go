// Package queue holds the data model shared by the waiting-queue core:
// waiting entities and their dedup identity, message kinds, reservation
// records, the per-cycle SystemConfig snapshot and the snapshot diff.
package queue
