// Package health provides the liveness and readiness probes served on the
// ops listener.
//
// Probes compose with [All] and [Any]. [Named] prefixes a failure with the
// dependency it came from so "/-/ready" says whether the override store or
// redis is the problem. [ShutdownGate] fails readiness as soon as shutdown
// starts so the host stops routing logins here before the listener drains.
package health
