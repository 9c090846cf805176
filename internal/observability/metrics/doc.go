// Package metrics keeps in-process counters for HTTP traffic, chat
// completions and asynchronous jobs, and renders them in the Prometheus text
// exposition format.
package metrics
