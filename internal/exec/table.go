// table.go is the sharded working-order map. Orders live here from Submit
// until they reach a terminal status. Shards are chosen by symbol hash, the
// same hash that routes work to workers, so one symbol's churn never
// contends with another's. Values are copied in and out; only the owning
// worker mutates an order between put calls.
package exec

import (
	"hash/fnv"
	"sync"

	"tradecore/pkg/types"
)

const tableShards = 16

func symbolHash(symbol string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return h.Sum32()
}

type orderShard struct {
	mu sync.RWMutex
	m  map[string]types.Order
}

type orderTable struct {
	shards [tableShards]orderShard
}

func newOrderTable() *orderTable {
	t := &orderTable{}
	for i := range t.shards {
		t.shards[i].m = make(map[string]types.Order)
	}
	return t
}

func (t *orderTable) shard(symbol string) *orderShard {
	return &t.shards[symbolHash(symbol)%tableShards]
}

func (t *orderTable) put(o types.Order) {
	s := t.shard(o.Symbol)
	s.mu.Lock()
	s.m[o.ID] = o
	s.mu.Unlock()
}

func (t *orderTable) get(symbol, id string) (types.Order, bool) {
	s := t.shard(symbol)
	s.mu.RLock()
	o, ok := s.m[id]
	s.mu.RUnlock()
	return o, ok
}

// find scans all shards for an order id when the caller has no symbol.
func (t *orderTable) find(id string) (types.Order, bool) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		o, ok := s.m[id]
		s.mu.RUnlock()
		if ok {
			return o, true
		}
	}
	return types.Order{}, false
}

func (t *orderTable) delete(symbol, id string) {
	s := t.shard(symbol)
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

// working returns copies of all non-terminal orders, optionally scoped to
// one symbol.
func (t *orderTable) working(symbol string) []types.Order {
	var out []types.Order
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, o := range s.m {
			if symbol != "" && o.Symbol != symbol {
				continue
			}
			if !o.Status.Terminal() {
				out = append(out, o)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

func (t *orderTable) size() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
