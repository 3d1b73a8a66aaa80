package step

// maxWalk bounds Walk on chains that loop.
const maxWalk = 1024

// Chain links custom steps into an operation's canonical step sequence.
//
// Canonical steps are never mutated. Splicing produces a new Chain whose
// Head wraps the canonical steps so that, whenever the sequence would reach
// an insertion point s, it first runs the custom steps c1 → … → cn and then
// s, with s's own successor resolution unchanged.
//
// Chains are immutable once built and safe to share between drivers.
type Chain[S any] struct {
	start   Step[S]
	order   []string             // insertion points, first splice first
	customs map[string][]Step[S] // insertion point -> custom steps
	linked  map[string]struct{}  // names of every linked custom step
}

// NewChain starts a chain at start with no custom steps.
func NewChain[S any](start Step[S]) *Chain[S] {
	return &Chain[S]{
		start:   start,
		customs: map[string][]Step[S]{},
		linked:  map[string]struct{}{},
	}
}

// Build starts a chain at start and splices every contributor's custom steps.
// Nil contributors are skipped.
func Build[S any](start Step[S], contributors ...StepContributor[S]) *Chain[S] {
	c := NewChain(start)
	for _, contributor := range contributors {
		if contributor == nil {
			continue
		}
		for _, sp := range contributor.CustomSteps() {
			c = c.Splice(sp.Before, sp.Steps...)
		}
	}
	return c
}

// Splice returns a chain with steps linked before the step named before.
// Steps whose name is already linked are skipped, so splicing the same
// source twice is a no-op. When nothing new is linked the receiver itself
// is returned.
func (c *Chain[S]) Splice(before string, steps ...Step[S]) *Chain[S] {
	var fresh []Step[S]
	seen := map[string]struct{}{}
	for _, s := range steps {
		if s == nil {
			continue
		}
		if _, ok := c.linked[s.Name()]; ok {
			continue
		}
		if _, ok := seen[s.Name()]; ok {
			continue
		}
		seen[s.Name()] = struct{}{}
		fresh = append(fresh, s)
	}
	if len(fresh) == 0 {
		return c
	}

	next := &Chain[S]{
		start:   c.start,
		order:   append([]string(nil), c.order...),
		customs: make(map[string][]Step[S], len(c.customs)+1),
		linked:  make(map[string]struct{}, len(c.linked)+len(fresh)),
	}
	for k, v := range c.customs {
		next.customs[k] = append([]Step[S](nil), v...)
	}
	for k := range c.linked {
		next.linked[k] = struct{}{}
	}
	if _, ok := next.customs[before]; !ok {
		next.order = append(next.order, before)
	}
	next.customs[before] = append(next.customs[before], fresh...)
	for _, s := range fresh {
		next.linked[s.Name()] = struct{}{}
	}
	return next
}

// Head returns the first step of the linked chain. Without custom steps it
// is the canonical starting step itself.
func (c *Chain[S]) Head() Step[S] {
	if len(c.customs) == 0 {
		return c.start
	}
	return c.resolve(c.start)
}

// Walk follows the chain from Head without running any step and returns the
// visited step names. The walk is evaluated against st, so conditional
// successors resolve as they would for that state.
func (c *Chain[S]) Walk(st *State[S]) []string {
	var names []string
	for s := c.Head(); s != nil && len(names) < maxWalk; s = s.Next(st) {
		names = append(names, s.Name())
	}
	return names
}

// resolve maps a canonical successor to what the linked chain runs next.
func (c *Chain[S]) resolve(s Step[S]) Step[S] {
	if s == nil {
		return nil
	}
	if customs, ok := c.customs[s.Name()]; ok {
		return &customLink[S]{Step: customs[0], chain: c, at: s, idx: 0}
	}
	return &canonicalLink[S]{Step: s, chain: c}
}

// canonicalLink wraps a canonical step so its successors are resolved
// through the chain.
type canonicalLink[S any] struct {
	Step[S]
	chain *Chain[S]
}

func (l *canonicalLink[S]) Next(st *State[S]) Step[S] {
	return l.chain.resolve(l.Step.Next(st))
}

// customLink wraps the idx-th custom step spliced before at.
type customLink[S any] struct {
	Step[S]
	chain *Chain[S]
	at    Step[S]
	idx   int
}

func (l *customLink[S]) Next(*State[S]) Step[S] {
	customs := l.chain.customs[l.at.Name()]
	if l.idx+1 < len(customs) {
		return &customLink[S]{Step: customs[l.idx+1], chain: l.chain, at: l.at, idx: l.idx + 1}
	}
	// The insertion point itself must not re-trigger the splice.
	return &canonicalLink[S]{Step: l.at, chain: l.chain}
}
