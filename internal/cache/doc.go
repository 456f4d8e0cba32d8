/*
Package cache provides the two-tier artifact cache behind mediacache.

# Architecture

	┌─────────────────────────────────────────────┐
	│          Analysis Orchestrator              │
	│        (and direct API lookups)             │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              Coordinator                    │
	│   write-through + read-through/promotion    │
	└─────────────────────────────────────────────┘
	          │                        │
	┌───────────────────┐   ┌──────────────────────┐
	│    MemoryTier     │   │    PersistentTier    │
	│  entry-count LRU  │   │  file per entry +    │
	│  O(1) eviction    │   │  JSON metadata index │
	│  volatile         │   │  byte-budget LRU     │
	└───────────────────┘   └──────────────────────┘

MemoryTier bounds the number of entries and evicts the least recently used
entry in O(1). PersistentTier bounds total bytes on disk, evicting the
globally least-recently-accessed entry (linear index scan; file I/O dominates
the cost at realistic index sizes) before each write that would exceed the
budget. Both tiers expire entries past a configured age, lazily on access and
via sweeps.

The Coordinator writes the memory tier synchronously and mirrors stores into
the persistent tier either synchronously or on a bounded background pool.
Reads check memory first and promote persistent hits into memory; promotion
is one-directional.

Entries are serialized with an envelope carrying a schema version, an
analysis-kind tag for defensive type checks, and an lz4-compressed JSON
payload. Index records whose backing file has vanished self-heal into misses.
*/
package cache
