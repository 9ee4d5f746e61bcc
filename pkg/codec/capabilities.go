package codec

// Capabilities records which known codecs a device supports. It is derived
// from the advertised identifiers and never persisted.
type Capabilities struct {
	LDAC   bool `json:"ldac"`
	AptXHD bool `json:"aptx_hd"`
	AptX   bool `json:"aptx"`
	AAC    bool `json:"aac"`
	SBC    bool `json:"sbc"`
}

// DetectCapabilities derives [Capabilities] from the raw codec identifiers a
// device advertises. Matching is exact and case-sensitive; unknown
// identifiers are ignored.
func DetectCapabilities(advertised []string) Capabilities {
	var c Capabilities
	for _, s := range advertised {
		switch ID(s) {
		case LDAC:
			c.LDAC = true
		case AptXHD:
			c.AptXHD = true
		case AptX:
			c.AptX = true
		case AAC:
			c.AAC = true
		case SBC:
			c.SBC = true
		}
	}
	return c
}

// Supports reports whether the capability flag for id is set.
func (c Capabilities) Supports(id ID) bool {
	switch id {
	case LDAC:
		return c.LDAC
	case AptXHD:
		return c.AptXHD
	case AptX:
		return c.AptX
	case AAC:
		return c.AAC
	case SBC:
		return c.SBC
	}
	return false
}

// Supported returns the supported codecs, most capable first.
func (c Capabilities) Supported() []ID {
	var out []ID
	for _, id := range known {
		if c.Supports(id) {
			out = append(out, id)
		}
	}
	return out
}
