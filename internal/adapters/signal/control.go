package signal

// handlePing answers a client-initiated ping.
func (ctl *SignalWSController) handlePing(*session) any {
	return map[string]string{"type": "pong"}
}

// handlePong is the client's answer to a heartbeat ping. It has no ack.
func (ctl *SignalWSController) handlePong(s *session) {
	ctl.Orch.Ack(s.conn.ID())
}
