// Package ir provides a typed tensor computation graph: nodes with statically inferred element types
// and (partially) known shapes, a model container and subgraph fusion.
//
//   - Graph: arena owning the nodes. Nodes are created with the operation constructors (MatMul,
//     Reshape, Softmax, ...), which validate and infer their outputs synchronously.
//   - Model: a named set of Parameter and Result nodes of one graph, with the reachable nodes in
//     topological order.
//   - BuildSubgraph and ExtractRegion: wrap a body Model as a single node of an outer graph.
//   - FusionPass: detects patterns (e.g. multi-head attention) and replaces them by Subgraph nodes,
//     preserving the model's semantics.
//
// Models can be executed by lowering them to GoMLX, see package internal/togomlx.
package ir
