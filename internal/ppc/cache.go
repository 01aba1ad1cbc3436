package ppc

import lru "github.com/hashicorp/golang-lru/v2"

// instCache memoizes Decode results. It is sized to bound the
// "disassembled instruction cache... dominate allocation" resource
// note in spec §5, without unbounded growth across very large images
// — eviction never changes a result a caller would observe, only
// whether it has to be recomputed, which preserves Decode's purity.
type instCache struct {
	c *lru.Cache[cacheKey, Inst]
}

func newInstCache(size int) *instCache {
	c, err := lru.New[cacheKey, Inst](size)
	if err != nil {
		// Only non-positive sizes can make lru.New fail; a constant
		// call site passing a fixed positive size never does.
		panic(err)
	}
	return &instCache{c: c}
}

func (c *instCache) get(k cacheKey) (Inst, bool) {
	return c.c.Get(k)
}

func (c *instCache) put(k cacheKey, v Inst) {
	c.c.Add(k, v)
}
