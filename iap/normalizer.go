package iap

// ErrorTable maps integer vendor codes onto normalized errors. Lookups never
// fail: unmapped and out-of-range codes resolve to Unknown.
type ErrorTable struct {
	entries map[int]*Error
	unknown *Error
}

// NewErrorTable builds a table. The unknown entry is used as the fallback.
func NewErrorTable(unknown *Error, entries map[int]*Error) *ErrorTable {
	copied := make(map[int]*Error, len(entries))
	for code, e := range entries {
		copied[code] = e
	}
	return &ErrorTable{entries: copied, unknown: unknown}
}

// Lookup returns the normalized error for a vendor code, stamped with the
// raw code.
func (t *ErrorTable) Lookup(code int) *Error {
	e, ok := t.entries[code]
	if !ok {
		e = t.unknown
	}

	cloned := *e
	vendorCode := code
	cloned.VendorCode = &vendorCode
	return &cloned
}

// Mapped reports whether code has an explicit entry.
func (t *ErrorTable) Mapped(code int) bool {
	_, ok := t.entries[code]
	return ok
}

// Codes returns every explicitly mapped vendor code.
func (t *ErrorTable) Codes() []int {
	codes := make([]int, 0, len(t.entries))
	for code := range t.entries {
		codes = append(codes, code)
	}
	return codes
}
