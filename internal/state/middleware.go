package state

// Middleware transforms pending updates before validation and commit. Each
// stage receives the updates so far plus a copy of the current committed
// state and returns possibly-modified updates. Stages run in registration
// order.
type Middleware func(updates map[string]any, current map[string]any) map[string]any

// AddMiddleware appends a stage to the chain. There is no removal: the
// chain only ever grows, and stages registered first run first.
func (s *Store) AddMiddleware(mw Middleware) {
	if mw == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middleware = append(s.middleware, mw)
}

// applyMiddleware runs the chain over updates. A stage returning nil leaves
// the updates unchanged.
func (s *Store) applyMiddleware(updates, current map[string]any) map[string]any {
	s.mu.RLock()
	chain := make([]Middleware, len(s.middleware))
	copy(chain, s.middleware)
	s.mu.RUnlock()

	for _, mw := range chain {
		if next := mw(updates, current); next != nil {
			updates = next
		}
	}
	return updates
}
