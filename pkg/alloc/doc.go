/*
Package alloc implements the Allocation Manager (spec.md §4.5): long-lived
sbatch "sleep infinity" reservations of cluster resources, shared across many
user-visible jobs so a job's init doesn't pay a full scheduler queue wait
every run. It reconciles persisted allocations against the scheduler, claims
idle ones for new jobs, and submits fresh ones through generate_sbatch and
the GPU variant catalog when nothing compatible is free.
*/
package alloc
