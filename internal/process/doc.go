// Package process supervises the device daemon a linked backend talks to.
//
// When backend.linked.daemon.managed is set, the module starts the
// device binary itself, waits until its link port accepts connections,
// and keeps it alive:
//   - restarts after unexpected exits, backing off by 1.5 up to a cap
//   - resets the backoff once the process has been up for a while
//   - kills the process after repeated failed TCP probes
//   - gives up on configuration exits (EX_USAGE, EX_CONFIG)
//
// Example usage:
//
//	sup := process.New(process.FromDaemonConfig(cfg.Backend.Linked.Daemon, host, port), logger)
//	if err := sup.Start(ctx); err != nil {
//	    return err
//	}
//	defer sup.Stop()
//	if err := sup.WaitReady(ctx); err != nil {
//	    return err
//	}
package process
