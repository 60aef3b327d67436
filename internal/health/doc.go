// Package health serves the liveness and readiness routes on both
// listeners. Readiness combines a [ShutdownGate], which fails as soon as
// draining starts, with [Loaded] on the place dictionary store.
package health
