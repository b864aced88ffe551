// Package proxy is the native data plane: an HTTP/1.1 reverse proxy that
// owns one listening port and routes each request to a local upstream by
// its Host header.
//
// # Connection lifecycle
//
// Every accepted connection runs in its own goroutine through an explicit
// state machine:
//
//	accepted -> read_head -> route_lookup -> reject | forward
//	forward  -> stream -> keepalive_wait -> read_head | closed
//	forward  -> tunnel (upstream answered 101) -> closed
//
// Requests on one connection are handled strictly in sequence. In the
// tunnel state bytes are relayed both ways without framing until either
// side closes.
//
// # Status contract
//
//   - 400 malformed request, TLS ClientHello, HTTP/2 preface, missing Host
//   - 404 no route for the Host
//   - 502 upstream refused or broke before responding
//   - 503 active client limit reached (the connection is closed at once)
//   - 504 upstream connect or first-byte timeout
//
// Anything else is the upstream's own status. Failures after response
// bytes reached the client reset the connection.
//
// # Routing table
//
// The engine reads routes through a RouteSource and keeps an immutable
// *routes.Table behind an atomic pointer. Reload swaps the snapshot; new
// exchanges see it immediately and in-flight ones are unaffected.
//
// # Usage
//
//	p, _ := pool.New(pool.DefaultConfig())
//	e := proxy.New(proxy.OptionsFromConfig(&cfg.Proxy), routes.NewStore(dir), p,
//	    proxy.WithLogger(logger),
//	    proxy.WithMetrics(collector),
//	)
//	if err := e.Reload(); err != nil {
//	    return err
//	}
//	go e.ListenAndServe(ctx)
//	defer e.Shutdown(context.Background())
package proxy
