// Package manager keeps loaded models in memory and coordinates inference on
// them. It is structured into small files by concern:
//
//   - manager.go: core Manager type, constructor, simple getters.
//   - config.go: Config and package defaults; New applies defaults.
//   - types.go: lifecycle State and LocalModelInfo.
//   - engine.go: the native engine seam (Engine, Weights, Context).
//   - resources.go: exclusive ownership of one model's weights and context.
//   - errors.go: error values and helpers (IsTooBusy, IsModelNotFound, ...).
//   - load.go / unload.go / evict.go: the load/unload state machine and LRU
//     eviction bounded by MaxResident.
//   - admission.go: bounded queue and single in-flight gate for inference.
//   - infer.go: Generate/Embed with retry on transient failures.
//   - status.go: status reporting.
//   - events.go, eventpub_memory.go: lifecycle events.
//   - metrics.go: Prometheus collectors.
//
// Build tags:
//
//   - `-tags=llama` links the in-process go-llama.cpp engine
//     (engine_llama.go, llama_cgo.go).
//   - Without the tag NewLlamaEngine returns a stub whose LoadWeights fails
//     with a dependency-unavailable error (engine_stub.go).
//
// Callers use the public methods only (New, Load, Unload, Generate, Embed,
// Status). Internal types are subject to change.
package manager
