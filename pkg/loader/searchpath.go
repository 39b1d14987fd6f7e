// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package loader

// searchPathIsFlags reports whether LdrLoadDll's first argument carries
// LOAD_LIBRARY_SEARCH_* flags tagged with bit 0 instead of a pointer to a
// search path string. String pointers are always aligned.
func searchPathIsFlags(arg uintptr) bool {
	return arg&1 != 0
}
