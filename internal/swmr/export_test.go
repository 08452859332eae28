package swmr

// crash makes the client behave like a killed process: its heartbeat stops
// and its file descriptors go away, but its registry entry and reference
// stay in the segment for a peer to reap. Close becomes a no-op.
func (c *client) crash() {
	c.closeOnce.Do(func() {})
	c.closed.Store(true)
	c.hb.stop()
	_ = c.closeHandle()
	_ = c.seg.Abandon()
	c.finish()
}

func (w *Writer) crash() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.client.crash()
	w.phase = WriterClosed
}

func (r *Reader) crash() {
	r.exiting.Store(true)
	r.stopListener()
	<-r.listenerDone
	r.client.crash()
}
