package server

// The periodic metrics collector polls the Server through the
// metrics.Source interface.

// ActiveRunsByProvider reports non-terminal sessions per provider.
func (s *Server) ActiveRunsByProvider() map[string]int {
	return s.runtime.ActiveRunsByProvider()
}

// LaneGauges reports queue depth by priority, running launches, and
// active provider cooldowns across all workspaces.
func (s *Server) LaneGauges() (map[string]int, int, int) {
	return s.lane.Gauges()
}

// SubscriberCount reports live event bus subscriptions.
func (s *Server) SubscriberCount() int {
	return s.bus.SubscriberCount()
}
