/*
Package metrics defines and registers the control plane's Prometheus
metrics: node liveness, service health by kind, terminal proxy
connections, and front-door request/latency counters. All metrics are
registered at package init and exposed via Handler() for mounting at
/metrics.
*/
package metrics
