//go:build !windows

package sessionrun

import "context"

// Run drives one complete one-shot session: it subscribes before
// starting so no message is missed, starts the session, and invokes
// handler for each normalized message in arrival order until the
// complete event. Returns the final message log.
//
// Start runs in a goroutine because it blocks until process exit; the
// calling goroutine drains the subscription. A precondition error from
// Start is returned directly. If the handler returns an error, the
// session is stopped and the handler error is returned. Context
// cancellation signals the subprocess and the session resolves through
// its normal failure path.
func Run(ctx context.Context, r *Runner, prompt string, handler func(Message) error) ([]Message, error) {
	sub := r.Subscribe()
	defer sub.Close()

	startCh := make(chan error, 1)
	go func() {
		_, err := r.Start(ctx, prompt)
		startCh <- err
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return r.Messages(), nil
			}
			switch ev.Kind {
			case EventMessage:
				if handler != nil {
					if err := handler(ev.Message); err != nil {
						r.Stop()
						if startCh != nil {
							<-startCh
						}
						return r.Messages(), err
					}
				}
			case EventComplete:
				// Start resolves with nil for runtime failures; a still
				// in-flight return is intentionally not waited for.
				return ev.Messages, collectStartError(startCh)
			}

		case err := <-startCh:
			if err != nil {
				// Precondition failure — no session was started.
				return nil, err
			}
			startCh = nil // Start resolved; the complete event ends the drain.
		}
	}
}

// collectStartError drains the Start error channel without blocking.
func collectStartError(ch chan error) error {
	if ch == nil {
		return nil
	}
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}
