// Package reader rebuilds response trees from stored records.
//
// Two strategies share one walk. Sequential follows each reference as soon
// as it meets it, with one Source.Get per reference; it suits stores with
// negligible per-call latency. Batch walks breadth-first: it expands every
// record of one depth, collects the distinct references the next depth needs,
// and fetches them with a single Source.GetMany before going deeper. Both
// return the same tree, or the same kind of failure, for the same store.
//
// Objects embedded in a record (stored without a key) are expanded in place
// and never cost a store call. Any miss anywhere fails the whole read with a
// *CacheMiss; partial trees are never returned.
package reader
