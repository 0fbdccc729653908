package recipe

// mergeInto merges src into dst, mutating dst. Maps merge recursively, so
// named collections (projects, sites, slots) combine entry-by-entry with
// nested scalar override per entry. Scalars and arrays are replaced
// wholesale: the later writer wins.
//
// The loader merges includes in declaration order, depth-first, and merges a
// document's own keys after its includes, so the including document always
// overrides what it pulled in.
func mergeInto(dst, src map[string]any) {
	for key, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[key].(map[string]any); ok {
				mergeInto(dm, sm)
				continue
			}
			// Copy so later merges never mutate the source document.
			cp := make(map[string]any, len(sm))
			mergeInto(cp, sm)
			dst[key] = cp
			continue
		}
		dst[key] = sv
	}
}
