// Package health holds the liveness and readiness probes served on the admin
// listener, and the ShutdownGate that fails readiness while the process drains.
package health
