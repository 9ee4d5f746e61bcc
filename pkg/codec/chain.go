package codec

import "slices"

// DefaultPriorityChain returns the built-in preference order, most preferred
// first.
func DefaultPriorityChain() []ID {
	return []ID{LDAC, AptXHD, AptX, AAC, SBC}
}

// ChainSource supplies a user-configured fallback chain. An empty result
// means no override is set.
type ChainSource interface {
	FallbackChain() []ID
}

// PriorityChain exposes the active codec preference order.
type PriorityChain struct {
	src ChainSource
}

// NewPriorityChain returns a chain that consults src for an override. src
// may be nil, in which case the default order is always used.
func NewPriorityChain(src ChainSource) *PriorityChain {
	return &PriorityChain{src: src}
}

// GetPriorityOrder returns the active chain: the override if present and
// non-empty, otherwise [DefaultPriorityChain]. The result is never empty and
// always ends with [Baseline]; an override that omits it gets it appended.
func (p *PriorityChain) GetPriorityOrder() []ID {
	var chain []ID
	if p != nil && p.src != nil {
		chain = slices.Clone(p.src.FallbackChain())
	}
	if len(chain) == 0 {
		return DefaultPriorityChain()
	}
	if chain[len(chain)-1] != Baseline {
		chain = slices.DeleteFunc(chain, func(id ID) bool { return id == Baseline })
		chain = append(chain, Baseline)
	}
	return chain
}
