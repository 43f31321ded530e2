package memutils

const (
	// CreatedFillPattern is written over fresh suballocations in debug builds
	CreatedFillPattern byte = 0xDC
	// DestroyedFillPattern is written over released suballocations in debug builds
	DestroyedFillPattern byte = 0xEF
)
