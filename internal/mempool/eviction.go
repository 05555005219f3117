package mempool

import "time"

// Expire removes entries admitted more than maxAge ago and returns how many
// were removed.
func (p *Pool) Expire(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := p.now().Add(-maxAge)

	p.mu.Lock()
	defer p.mu.Unlock()

	expired := 0
	for id, e := range p.entries {
		if e.Added.Before(cutoff) {
			p.removeLocked(id)
			expired++
		}
	}
	return expired
}
