package store

// Package store is the durable persistence layer for the pipeline.
//
// It holds:
//   - The candidate queue snapshot
//   - The seen-fingerprint and raw-source-id sets (dedup)
//   - Scheduler window counters + the shared last-publish clock
//   - The daily stats/cost ledger snapshot
//   - The publish history (feeds the similarity soft gate and /stats)
//
// All state is read once at startup and written after each mutation; the
// file driver uses temp-write + rename, the sqlite driver transactions.
