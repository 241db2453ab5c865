// Package testutil provides shared test helpers for itinerant.
//
// # Fakes
//
// The fakes.go file provides in-memory signal sources:
//
//   - FakeSource - a stream.Source driven by the test, one Conn per open
//   - FakePoller - a session.Poller whose snapshots are pushed by the test
//
// # Fixtures
//
// The fixtures.go file provides frame builders:
//
//   - Signal(stage, status, progress) - a per-stage signal frame
//   - Agents(stages...) - a stage enumeration frame
//   - Complete(), Failed(reason) - terminal frames
//
// # Timeouts
//
// The timeout.go file provides contexts that respect the test deadline:
//
//   - ContextWithTestDeadline(t, fallback)
//   - ShortOperationContext(t)
//
// # Usage
//
//	func TestSomething(t *testing.T) {
//	    src := testutil.NewFakeSource()
//	    conn := src.Accept(t)
//	    conn.Send(testutil.Signal("planner", job.StageRunning, 40))
//	}
package testutil
