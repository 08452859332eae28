// Package swmr coordinates one writer and many readers of a data file
// across processes on one machine.
//
// The data file's backend only allows concurrent readers once its writer
// has switched to concurrent-read mode, and needs exclusive access before
// that. swmr enforces this with a small record shared by every process
// that has the file open (see package shm): the writer state, the number
// of open readers, a flush request flag and a registry of live processes.
//
// # Writers
//
// [OpenWriter] waits until no other writer holds the file. If readers are
// open it posts a write request, which makes every reader's listener
// deliver a [event.CloseRequestedEvent], and waits for them to close. It
// then creates the file with exclusive access. [Writer.EnableConcurrentReadMode]
// lets readers back in; [Writer.FlushIfRequested] serves their flush requests.
//
// # Readers
//
// [OpenReader] waits until the file has no writer or a writer in
// concurrent-read mode. [Reader.RequestFlush] asks the writer to flush and
// a [event.RefreshEvent] follows once it did, or when the writer closes.
//
// Events reach the host on the [event.Bus], through callbacks given with
// [WithRefreshCallback] and [WithCloseRequestCallback], and on the
// channel returned by Events.
//
// # Liveness
//
// Every client heartbeats its registry entry. An entry not refreshed for
// the staleness threshold is reaped by any peer's heartbeat, which undoes
// its effect on the shared counters. This is the only way a crashed
// process releases the file.
//
// # Basic Usage
//
//	w, err := swmr.OpenWriter(ctx, "/data/run.rec", swmr.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer w.Close()
//	if err := w.EnableConcurrentReadMode(); err != nil {
//	    return err
//	}
//	for sample := range samples {
//	    append(w.Handle(), sample)
//	    if _, err := w.FlushIfRequested(); err != nil {
//	        logger.Warn("flush failed", "error", err)
//	    }
//	}
package swmr
