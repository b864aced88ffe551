package routes

// Table is an immutable snapshot of the route table. It is safe for
// concurrent use; a nil *Table behaves as an empty table.
type Table struct {
	routes []Route
	byHost map[string]int
}

// NewTable builds a snapshot from routes, keeping their order. Later
// duplicates of a host replace earlier ones in place.
func NewTable(routes []Route) *Table {
	t := &Table{
		routes: make([]Route, 0, len(routes)),
		byHost: make(map[string]int, len(routes)),
	}
	for _, r := range routes {
		if i, ok := t.byHost[r.Host]; ok {
			t.routes[i] = r
			continue
		}
		t.byHost[r.Host] = len(t.routes)
		t.routes = append(t.routes, r)
	}
	return t
}

// Lookup returns the route for an already normalized host.
func (t *Table) Lookup(host string) (Route, bool) {
	if t == nil {
		return Route{}, false
	}
	i, ok := t.byHost[host]
	if !ok {
		return Route{}, false
	}
	return t.routes[i], true
}

// Match resolves a raw Host header value.
func (t *Table) Match(hostHeader string) (Route, bool) {
	return t.Lookup(HostFromHeader(hostHeader))
}

// Routes returns a copy of the routes in display order.
func (t *Table) Routes() []Route {
	if t == nil {
		return nil
	}
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Len returns the number of routes.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

// with returns a new table with r added or replaced in place.
func (t *Table) with(r Route) *Table {
	return NewTable(append(t.Routes(), r))
}

// without returns a new table without host.
func (t *Table) without(host string) *Table {
	kept := make([]Route, 0, t.Len())
	for _, r := range t.Routes() {
		if r.Host != host {
			kept = append(kept, r)
		}
	}
	return NewTable(kept)
}
