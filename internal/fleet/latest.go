package fleet

import (
	"sort"

	"nuha.dev/bustracker/internal/waypoint"
)

// SelectLatest keeps the most recent waypoint of every bus, regardless of
// the order the waypoints were stored in. The result is ordered by bus id.
func SelectLatest(ws []*waypoint.Waypoint) []*waypoint.Waypoint {
	latest := make(map[string]*waypoint.Waypoint)
	for _, w := range ws {
		if w.Newer(latest[w.BusId]) {
			latest[w.BusId] = w
		}
	}
	res := make([]*waypoint.Waypoint, 0, len(latest))
	for _, w := range latest {
		res = append(res, w)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].BusId < res[j].BusId
	})
	return res
}
