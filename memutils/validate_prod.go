//go:build !debug_mem_utils

package memutils

// DebugEnabled is true when built with the debug_mem_utils tag
const DebugEnabled = false

// DebugValidate does nothing without the debug_mem_utils tag
func DebugValidate(validatable Validatable) {}

// DebugFill does nothing without the debug_mem_utils tag
func DebugFill(data []byte, pattern byte) {}
