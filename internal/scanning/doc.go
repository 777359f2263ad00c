// Package scanning implements the portprobe scan engine.
//
// A scan targets one host and one inclusive TCP port range. The engine
// starts one connection attempt per port, observes each attempt until it is
// either Open (the connect succeeded and the connection was closed right
// away) or Closed (any dial error, including timeouts), emits one
// ProgressEvent per finished attempt and then produces a single result.
//
// # Results
//
// When at least one port is open the result lists the open ports in
// ascending order. When every attempt is closed, Scan returns an error for
// which errors.IsNoOpenPorts reports true. A request that violates
// 1 <= StartPort <= EndPort <= 65535 is rejected before any attempt starts
// and errors.IsInvalidRange reports true for it.
//
// # Concurrency
//
// By default all attempts are launched at once. Options.Concurrency bounds the
// number of outstanding attempts with a weighted semaphore, which keeps full
// range scans from exhausting file descriptors.
//
// Every attempt funnels its outcome through a single mutex that also guards
// the outstanding counter, so the last attempt to finish is the only one that
// builds the result.
//
// # Usage
//
//	engine := scanning.NewEngine(scanning.Options{Concurrency: 512})
//	req := scanning.NewRangeRequest("127.0.0.1", 1, 1024)
//
//	result, err := engine.Scan(ctx, req, scanning.ProgressFunc(func(ev scanning.ProgressEvent) {
//		fmt.Printf("\r%d/%d", ev.Completed, ev.Total)
//	}))
//	switch {
//	case errors.IsNoOpenPorts(err):
//		fmt.Println("no port is open")
//	case err != nil:
//		return err
//	default:
//		fmt.Println(result.OpenPorts)
//	}
package scanning
