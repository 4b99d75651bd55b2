// Package lock provides DistLock, a lease based distributed lock built on a
// driver.Driver. A DistLock is safe for concurrent use, so a keep-alive
// goroutine can refresh the lease while the owner works.
//
// Waiting for a busy lock and keeping a lease alive are caller side helpers
// (Wait and KeepAlive); the protocol itself never blocks or retries. When a
// syncbus.Bus is attached, releases are announced so waiters retry early.
package lock
