// Package recall is a long-running memory engine for LLM applications.
//
// It persists every conversation turn, extracts structured knowledge into a
// temporal knowledge graph, and answers each new query with a bounded,
// ranked context window. The design target is total recall: any fact written
// once stays retrievable regardless of corpus size.
//
// The engine is organised in layers:
//
//   - pkg/store:     L0 core settings, L1 consolidated shards, L2 working
//     set, and the volume-managed append-only archive.
//   - pkg/index:     bloom, inverted keyword, entity, n-gram, temporal,
//     vector (flat / HNSW / IVF-HNSW) and BM25 full-text indexes with
//     WAL + snapshot persistence.
//   - pkg/graph:     the unified knowledge graph with three-time fact
//     tracking and contradiction management.
//   - pkg/dedup:     the three-stage deduplicator (MinHash+LSH, semantic
//     cosine, optional LLM confirmation).
//   - pkg/retriever: the eleven-stage funnel with three parallel recall
//     arms fused by Reciprocal Rank Fusion, plus the raw-text fallback.
//   - pkg/analyzer:  foreshadowing, persistent-context and consistency
//     trackers with optional LLM-driven auto modes.
//   - pkg/engine:    the controller that owns the write discipline, the
//     task manager and the context builder.
//
// The usual entrypoint is Open:
//
//	eng, err := recall.Open("/var/lib/recall")
//	if err != nil { ... }
//	defer eng.Close()
//
//	res, err := eng.Add(ctx, &engine.AddRequest{
//	    Content:   "Alice moved to Beijing",
//	    Role:      store.RoleUser,
//	    UserID:    "u1",
//	    SessionID: "s1",
//	})
//	matches, err := eng.Search(ctx, "where does Alice live?", engine.SearchOptions{TopK: 5})
//
// Embedding and LLM backends are pluggable; without them the engine runs in
// lite mode with a deterministic local embedder and rule-based analyzers.
package recall
