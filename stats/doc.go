// Package stats accumulates per-window min/max/avg statistics over feed
// latency and prices, and reports them once per second.
package stats
