package route

import (
	"fmt"

	"github.com/dskow/cacheproxy/internal/config"
	"github.com/dskow/cacheproxy/internal/mc"
)

var defaultFailoverResults = []mc.Result{
	mc.ResultConnectError,
	mc.ResultTimeout,
	mc.ResultTko,
	mc.ResultRemoteError,
	mc.ResultBusy,
}

// FailoverErrors holds, per operation class, the results that send a
// failover route on to its next target.
type FailoverErrors struct {
	byClass [3]map[mc.Result]bool
}

// DefaultFailoverErrors fails over on availability errors for every class.
func DefaultFailoverErrors() FailoverErrors {
	var fe FailoverErrors
	for i := range fe.byClass {
		fe.byClass[i] = resultSet(defaultFailoverResults)
	}
	return fe
}

// NewFailoverErrors parses the per-class lists. A class without a list keeps
// the default set. Unknown result names are rejected.
func NewFailoverErrors(cfg config.FailoverErrorsConfig) (FailoverErrors, error) {
	fe := DefaultFailoverErrors()
	lists := [3][]string{cfg.Gets, cfg.Updates, cfg.Deletes}
	for class, names := range lists {
		if len(names) == 0 {
			continue
		}
		results := make([]mc.Result, 0, len(names))
		for _, name := range names {
			r, ok := mc.ParseResult(name)
			if !ok {
				return FailoverErrors{}, fmt.Errorf("failover_errors.%s: unknown result %q", mc.OpClass(class), name)
			}
			if !r.IsError() {
				return FailoverErrors{}, fmt.Errorf("failover_errors.%s: %q is not an error result", mc.OpClass(class), name)
			}
			results = append(results, r)
		}
		fe.byClass[class] = resultSet(results)
	}
	return fe, nil
}

// ShouldFailover reports whether result for op moves on to the next target.
func (fe FailoverErrors) ShouldFailover(op mc.Op, result mc.Result) bool {
	set := fe.byClass[op.Class()]
	if set == nil {
		return false
	}
	return set[result]
}

func resultSet(results []mc.Result) map[mc.Result]bool {
	m := make(map[mc.Result]bool, len(results))
	for _, r := range results {
		m[r] = true
	}
	return m
}
