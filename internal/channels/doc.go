// Package channels holds outbound channel definitions, their live load
// counters and the balancer that picks a channel per waiting entity.
//
// Selection order: sticky conversation, sector affinity, lowest score.
// Fallback selection only considers healthy or degraded channels and is
// bounded by a maximum number of connectivity checks.
package channels
