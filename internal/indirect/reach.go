package indirect

import (
	mapset "github.com/deckarep/golang-set/v2"

	"cfgrecover/internal/cfg"
)

// ReachableBlocks returns the blocks that reach b over intraprocedural
// edges, b included. Each block's source list is read under its own lock.
func ReachableBlocks(b *cfg.Block) mapset.Set[*cfg.Block] {
	seen := mapset.NewThreadUnsafeSet[*cfg.Block](b)
	queue := []*cfg.Block{b}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, src := range sources(cur) {
			if seen.Contains(src) {
				continue
			}
			seen.Add(src)
			queue = append(queue, src)
		}
	}
	return seen
}

func sources(b *cfg.Block) []*cfg.Block {
	b.Lock()
	defer b.Unlock()
	var out []*cfg.Block
	for _, e := range b.Sources() {
		if e.Intraproc {
			out = append(out, e.Src)
		}
	}
	return out
}
