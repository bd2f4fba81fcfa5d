// Package embeddings turns chunks into vectors.
//
// An Embedder wraps one provider: "openai" talks to any OpenAI-compatible
// /embeddings endpoint through langchaingo, "fastembed" runs ONNX models
// locally (cgo builds only). The Batcher slices chunks into contiguous
// batches, applies the configured failure policy and hands every embedded
// batch to a callback as Records.
package embeddings
