package broker

import "testing"

func TestDepthCap(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		supported []int
		requested int
		want      int
	}{
		{"exact match", []int{5, 20}, 20, 20},
		{"caps above the largest", []int{5, 20}, 50, 20},
		{"nearest above when below every level", []int{20, 30}, 5, 20},
		{"nearest above beats a distant one", []int{20, 30}, 25, 30},
		{"none declared", nil, 5, 5},
	}
	for _, c := range cases {
		caps := Capabilities{SupportedDepths: c.supported}
		if got := caps.DepthCap(c.requested); got != c.want {
			t.Errorf("%s: DepthCap(%d) = %d, want %d", c.name, c.requested, got, c.want)
		}
	}
}
