//go:build debug_mem_utils

package memutils

// DebugEnabled is true when built with the debug_mem_utils tag
const DebugEnabled = true

// DebugValidate panics if validatable reports an inconsistency
func DebugValidate(validatable Validatable) {
	if err := validatable.Validate(); err != nil {
		panic(err)
	}
}

// DebugFill overwrites data with pattern so that reads of uninitialized or released arena bytes
// stand out
func DebugFill(data []byte, pattern byte) {
	for i := range data {
		data[i] = pattern
	}
}
