package umi

import (
	"sort"

	"github.com/antzucaro/matchr"
)

// within returns true if a and b have equal length and differ in at
// most max positions.
func within(a, b string, max int) bool {
	d, err := matchr.Hamming(a, b)
	if err != nil {
		// Lengths differ.
		return false
	}
	return d <= max
}

// Matches returns true if UMIs a and b belong to the same molecule under
// c. Duplex UMIs match if both halves match in order, or if the halves
// of one match the swapped halves of the other.
func (c Config) Matches(a, b string) bool {
	if !c.Duplex {
		return within(a, b, c.EditDistanceMax)
	}
	a1, a2, ok := c.SplitDuplex(a)
	if !ok {
		return false
	}
	b1, b2, ok := c.SplitDuplex(b)
	if !ok {
		return false
	}
	if within(a1, b1, c.EditDistanceMax) && within(a2, b2, c.EditDistanceMax) {
		return true
	}
	return within(a1, b2, c.EditDistanceMax) && within(a2, b1, c.EditDistanceMax)
}

// Cluster partitions umis into groups of matching UMIs and returns the
// groups as indexes into umis. An empty string marks an unparsable UMI;
// each one becomes its own group.
//
// Distinct UMIs are visited in order of decreasing frequency, then
// lexicographically. Each joins the first existing group whose seed (the
// first UMI of the group) it matches, or seeds a new group. The result
// depends only on the multiset of UMIs and their positions, not on map
// iteration order. Indexes within a group are ascending and groups are
// ordered by their smallest index.
func (c Config) Cluster(umis []string) [][]int {
	counts := map[string]int{}
	for _, u := range umis {
		if u != "" {
			counts[u]++
		}
	}
	distinct := make([]string, 0, len(counts))
	for u := range counts {
		distinct = append(distinct, u)
	}
	sort.Slice(distinct, func(i, j int) bool {
		ci, cj := counts[distinct[i]], counts[distinct[j]]
		if ci != cj {
			return ci > cj
		}
		return distinct[i] < distinct[j]
	})

	var seeds []string
	groupOf := map[string]int{}
	for _, u := range distinct {
		g := -1
		for i, seed := range seeds {
			if c.Matches(seed, u) {
				g = i
				break
			}
		}
		if g < 0 {
			g = len(seeds)
			seeds = append(seeds, u)
		}
		groupOf[u] = g
	}

	byGroup := make([][]int, len(seeds))
	var groups [][]int
	for i, u := range umis {
		if u == "" {
			groups = append(groups, []int{i})
			continue
		}
		g := groupOf[u]
		byGroup[g] = append(byGroup[g], i)
	}
	for _, g := range byGroup {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	return groups
}
