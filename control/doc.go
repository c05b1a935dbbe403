// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime telemetry for the engine: Prometheus collectors fed by the reactor
// and protocol layers, plus gauge probes sampled at scrape time.
package control
