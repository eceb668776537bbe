package transport

import "testing"

func TestBestRate(t *testing.T) {
	tests := []struct {
		max  int
		want int
	}{
		{4000000, 4000000},
		{3999999, 3500000},
		{1000000, 1000000},
		{999999, 921600},
		{115200, 115200},
		{9601, 9600},
		{9600, 9600},
		{0, 9600},
	}
	for _, tc := range tests {
		if got := BestRate(tc.max); got != tc.want {
			t.Errorf("BestRate(%d) = %d, want %d", tc.max, got, tc.want)
		}
	}
}

func TestSupported(t *testing.T) {
	for _, r := range []int{9600, 115200, 921600, 4000000} {
		if !Supported(r) {
			t.Errorf("Supported(%d) = false", r)
		}
	}
	for _, r := range []int{0, 300, 128000, 12345} {
		if Supported(r) {
			t.Errorf("Supported(%d) = true", r)
		}
	}
}
