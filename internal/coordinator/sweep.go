package coordinator

import (
	"encoding/json"
	"net"
	"sort"

	"github.com/ashikurrafi/job-distributor/pkg/jobsvcerr"
)

// newListener opens a TCP listener for addr, wrapped so every failure
// path in Start returns the same *jobsvcerr.Error shape as the rest of
// the coordinator.
func newListener(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, jobsvcerr.StoreWrite("bind listener", err)
	}
	return ln, nil
}

// cartesianProduct expands a sweep definition like
// {"lr": ["0.1", "0.2"], "seed": ["1", "2"]} into one JSON-encoded
// parameter object per combination, in a deterministic order (keys
// sorted, each key's values in the order given).
func cartesianProduct(parameters map[string][]string) ([]string, error) {
	if len(parameters) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(parameters))
	for k := range parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := []map[string]string{{}}
	for _, key := range keys {
		values := parameters[key]
		var next []map[string]string
		for _, combo := range combos {
			for _, v := range values {
				extended := make(map[string]string, len(combo)+1)
				for k, existing := range combo {
					extended[k] = existing
				}
				extended[key] = v
				next = append(next, extended)
			}
		}
		combos = next
	}

	encoded := make([]string, 0, len(combos))
	for _, combo := range combos {
		raw, err := json.Marshal(combo)
		if err != nil {
			return nil, jobsvcerr.Schema("failed to encode parameter combination")
		}
		encoded = append(encoded, string(raw))
	}
	return encoded, nil
}
