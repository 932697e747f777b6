package router

import "github.com/next-trace/scg-transmitter/contract/fabric"

// registration ties a router-issued ID to the two fabric registrations it created.
type registration struct {
	id    fabric.ID
	local fabric.ID
	host  fabric.ID
}

// registry keeps registrations per subject in insertion order.
// It is not safe for concurrent use; the Router guards it.
type registry struct {
	order     []string
	bySubject map[string][]registration
}

func newRegistry() *registry {
	return &registry{bySubject: make(map[string][]registration)}
}

func (g *registry) add(subject string, reg registration) {
	if _, ok := g.bySubject[subject]; !ok {
		g.order = append(g.order, subject)
	}

	g.bySubject[subject] = append(g.bySubject[subject], reg)
}

// take removes and returns the registration id made for subject.
func (g *registry) take(subject string, id fabric.ID) (registration, bool) {
	regs := g.bySubject[subject]
	for i, reg := range regs {
		if reg.id != id {
			continue
		}

		rest := append(regs[:i:i], regs[i+1:]...)
		if len(rest) == 0 {
			delete(g.bySubject, subject)
			g.dropSubject(subject)
		} else {
			g.bySubject[subject] = rest
		}

		return reg, true
	}

	return registration{}, false
}

func (g *registry) dropSubject(subject string) {
	for i, s := range g.order {
		if s == subject {
			g.order = append(g.order[:i:i], g.order[i+1:]...)
			return
		}
	}
}

// drain visits every registration in insertion order and empties the registry.
func (g *registry) drain(fn func(subject string, reg registration)) {
	for _, subject := range g.order {
		for _, reg := range g.bySubject[subject] {
			fn(subject, reg)
		}
	}

	g.order = nil
	g.bySubject = make(map[string][]registration)
}

func (g *registry) count(subject string) int { return len(g.bySubject[subject]) }
