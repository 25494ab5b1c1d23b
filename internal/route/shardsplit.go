package route

import (
	"context"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"github.com/dskow/cacheproxy/internal/mc"
	"github.com/dskow/cacheproxy/internal/shardsplit"
)

// ShardSplit spreads hot shards over several keys. Gets read one split
// picked at random; updates and deletes go to every split and answer with
// the reply of the unsuffixed key.
type ShardSplit struct {
	child    Handle
	splitter *shardsplit.Splitter
	intN     func(n int) int
}

// NewShardSplit wraps child with splitter.
func NewShardSplit(child Handle, splitter *shardsplit.Splitter) *ShardSplit {
	return &ShardSplit{child: child, splitter: splitter, intN: rand.IntN}
}

func (s *ShardSplit) Name() string       { return "shard_split" }
func (s *ShardSplit) Children() []Handle { return []Handle{s.child} }

func (s *ShardSplit) Route(ctx context.Context, req *mc.Request) mc.Reply {
	_, splits := s.splitter.SplitsFor(req.Key)
	if splits <= 1 {
		return s.child.Route(ctx, req)
	}

	if req.Op == mc.OpGet {
		offset := s.intN(splits)
		if offset == 0 {
			return s.child.Route(ctx, req)
		}
		return s.child.Route(ctx, req.WithKey(s.splitter.SplitKey(req.Key, offset)))
	}

	replies := make([]mc.Reply, splits)
	var g errgroup.Group
	for offset := range splits {
		split := req
		if offset > 0 {
			split = req.WithKey(s.splitter.SplitKey(req.Key, offset))
		}
		g.Go(func() error {
			replies[offset] = s.child.Route(ctx, split)
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	return replies[0]
}
