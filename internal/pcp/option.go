package pcp

// Optional metadata fields are pointers; these helpers keep call sites
// short when a zero default is fine.

func OptStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func OptI32(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}

func OptU16(p *uint16) uint16 {
	if p == nil {
		return 0
	}
	return *p
}

func OptU32(p *uint32) uint32 {
	if p == nil {
		return 0
	}
	return *p
}

// mergeField assigns src over dst when src is present, reporting whether
// the observable value changed (dst was unset or held a different value).
func mergeField[T comparable](dst **T, src *T) bool {
	if src == nil {
		return false
	}
	if *dst != nil && **dst == *src {
		return false
	}
	v := *src
	*dst = &v
	return true
}
