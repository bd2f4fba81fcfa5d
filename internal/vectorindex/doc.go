// Package vectorindex stores embedded chunks in a vector index.
//
// A Store is one backend: Qdrant over gRPC or an embedded chromem-go
// database on disk. The Manager sits on top of a Store, makes sure the
// configured index exists with the right shape exactly once per run and
// then upserts records into it.
package vectorindex
