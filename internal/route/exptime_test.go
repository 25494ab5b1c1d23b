package route

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dskow/cacheproxy/internal/mc"
)

func TestModifyExptime_Min(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name string
		in   int32
		want int32
	}{
		{"infinite becomes the limit", 0, 60},
		{"longer relative is clamped", 3600, 60},
		{"shorter relative is kept", 10, 10},
		{"equal is kept", 60, 60},
		{"already expired is kept", -1, -1},
		{"far absolute is clamped", int32(now.Unix()) + 3600, 60},
		{"near absolute is kept", int32(now.Unix()) + 30, int32(now.Unix()) + 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStub("s", mc.ResultStored)
			m := NewModifyExptime(s, 60, ExptimeMin)
			m.now = func() time.Time { return now }

			req := &mc.Request{Op: mc.OpSet, Key: "k", Exptime: tt.in}
			m.Route(context.Background(), req)
			require.Len(t, s.seen, 1)
			assert.Equal(t, tt.want, s.seen[0].Exptime)
			assert.Equal(t, tt.in, req.Exptime, "caller's request is not mutated")
		})
	}
}

func TestModifyExptime_Set(t *testing.T) {
	s := newStub("s", mc.ResultStored)
	m := NewModifyExptime(s, 5, ExptimeSet)
	m.Route(context.Background(), &mc.Request{Op: mc.OpSet, Key: "k", Exptime: 0})
	assert.Equal(t, int32(5), s.seen[0].Exptime)
}

func TestModifyExptime_OnlyUpdates(t *testing.T) {
	s := newStub("s", mc.ResultFound)
	m := NewModifyExptime(s, 5, ExptimeSet)
	req := getReq("k")
	m.Route(context.Background(), req)
	assert.Same(t, req, s.seen[0])
}

func TestFailoverWithExptime_WrapsOnlyFailoverTargets(t *testing.T) {
	normal := newStub("normal", mc.ResultTimeout)
	spare := newStub("spare", mc.ResultStored)
	f := NewFailoverWithExptime("fwe", normal, []Handle{spare}, 60, DefaultFailoverCount, DefaultFailoverErrors())

	reply := f.Route(context.Background(), &mc.Request{Op: mc.OpSet, Key: "k", Exptime: 0})
	assert.Equal(t, mc.ResultStored, reply.Result)
	require.Len(t, normal.seen, 1)
	require.Len(t, spare.seen, 1)
	assert.Equal(t, int32(0), normal.seen[0].Exptime)
	assert.Equal(t, int32(60), spare.seen[0].Exptime)
}

func TestParseExptimeAction(t *testing.T) {
	a, err := ParseExptimeAction("")
	require.NoError(t, err)
	assert.Equal(t, ExptimeSet, a)
	a, err = ParseExptimeAction("min")
	require.NoError(t, err)
	assert.Equal(t, ExptimeMin, a)
	_, err = ParseExptimeAction("max")
	assert.Error(t, err)
}
