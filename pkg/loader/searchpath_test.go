// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package loader

import "testing"

func TestSearchPathIsFlags(t *testing.T) {
	tests := []struct {
		arg  uintptr
		want bool
	}{
		{0x801, true},  // LOAD_LIBRARY_SEARCH_SYSTEM32 | 1
		{0x1001, true}, // LOAD_LIBRARY_SEARCH_DEFAULT_DIRS | 1
		{0x1, true},
		{0x7FF6_1234_5670, false},
		{0x2000_0008, false},
	}
	for _, tt := range tests {
		if got := searchPathIsFlags(tt.arg); got != tt.want {
			t.Errorf("searchPathIsFlags(0x%X) = %v, want %v", tt.arg, got, tt.want)
		}
	}
}
