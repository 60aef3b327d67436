// Package ratelimit limits requests per client address in memory.
//
// Every request that gets past it costs an origin round trip, and a landing
// page also costs a contacts lookup, so one client must not be able to turn
// the edge into an amplifier against the origin. State is per process and
// not shared between instances; distributed floods are left to the CDN.
// A flood logs once per address (WithOnFirstDenied) while every refusal is
// counted (WithOnDenied).
package ratelimit
