/*
Package job implements the Job Orchestrator (spec.md §4.6): job submission,
a ten-step background initialization pipeline, the interactive viewer
contract, environment provisioning, code sync, launch under the detach
helper, cache eviction, polling, cancellation, and output retrieval.

It sits on top of pkg/alloc (resource allocation), pkg/state (persistence),
and pkg/facade (the programmatic connection), the same layering the teacher
uses for pkg/scheduler sitting on pkg/manager and pkg/worker sitting on the
runtime/storage packages below it.
*/
package job
