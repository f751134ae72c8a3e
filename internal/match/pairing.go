package match

import "sync"

// PairingCache is the ephemeral driver<->customer association behind
// accepted requests, used to forward location updates directly between
// the two parties without a radius query. A driver serves at most one
// customer at a time; a customer may hold several concurrent pairings
// (multi-vehicle booking). Process-local, rebuilt from scratch after a
// restart.
type PairingCache struct {
	mu         sync.RWMutex
	customerOf map[string]string              // driver -> customer
	driversOf  map[string]map[string]struct{} // customer -> drivers
}

func NewPairingCache() *PairingCache {
	return &PairingCache{
		customerOf: make(map[string]string),
		driversOf:  make(map[string]map[string]struct{}),
	}
}

// Pair records the association, displacing any previous pairing the
// driver held.
func (p *PairingCache) Pair(driverID, customerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.customerOf[driverID]; ok {
		p.dropLocked(driverID, prev)
	}
	p.customerOf[driverID] = customerID
	if p.driversOf[customerID] == nil {
		p.driversOf[customerID] = make(map[string]struct{})
	}
	p.driversOf[customerID][driverID] = struct{}{}
}

// Unpair clears the association on a terminal state transition. A
// no-op when the pair is not recorded.
func (p *PairingCache) Unpair(driverID, customerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.customerOf[driverID] == customerID {
		p.dropLocked(driverID, customerID)
	}
}

func (p *PairingCache) dropLocked(driverID, customerID string) {
	delete(p.customerOf, driverID)
	if set := p.driversOf[customerID]; set != nil {
		delete(set, driverID)
		if len(set) == 0 {
			delete(p.driversOf, customerID)
		}
	}
}

// CustomerOf returns the customer the driver is currently serving.
func (p *PairingCache) CustomerOf(driverID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.customerOf[driverID]
	return c, ok
}

// DriversOf returns every driver currently paired with the customer.
func (p *PairingCache) DriversOf(customerID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.driversOf[customerID]))
	for d := range p.driversOf[customerID] {
		out = append(out, d)
	}
	return out
}
