package runtime

import "github.com/cascaderun/cascade/cascade"

// routingHint is what a phase body returns alongside its output: an
// explicit successor name chosen via `_route`/`route_to`, or empty when the
// phase relied on static handoffs.
type routingHint struct {
	Route string
	// HasRoute distinguishes "explicitly routed to ''" (impossible in
	// practice) from "no explicit route was produced".
	HasRoute bool
}

// resolveNext implements spec.md §4.1 step 4's handoff resolution:
//  1. an explicit route, if present, must name a declared handoff;
//  2. a single handoff is taken unconditionally;
//  3. zero handoffs terminates the cascade;
//  4. two or more handoffs with no explicit route is a RoutingError.
func resolveNext(phase cascade.Phase, hint routingHint) (next string, terminal bool, err error) {
	if hint.HasRoute {
		for _, h := range phase.Handoffs {
			if h == hint.Route {
				return hint.Route, false, nil
			}
		}
		return "", false, newError(KindRouting, phase.Name, "route "+hint.Route+" is not a declared handoff", nil)
	}
	switch len(phase.Handoffs) {
	case 0:
		return "", true, nil
	case 1:
		return phase.Handoffs[0], false, nil
	default:
		return "", false, newError(KindRouting, phase.Name, "ambiguous routing: multiple handoffs and no explicit route", nil)
	}
}
