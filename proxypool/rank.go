package manager

import (
	"sort"

	"socks_sentinel/proxypool/model"
)

// Rank returns entries ordered fully healthy first, then by bandwidth
// descending with an unmeasured bandwidth counting as zero. The sort is
// stable: ties keep their incoming order. The input slice is not modified.
func Rank(entries []model.Entry) []model.Entry {
	out := append([]model.Entry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		hi, hj := out[i].Result.FullyHealthy(), out[j].Result.FullyHealthy()
		if hi != hj {
			return hi
		}
		return out[i].Result.Bandwidth() > out[j].Result.Bandwidth()
	})
	return out
}
