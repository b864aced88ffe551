// Domains maps *.localhost names to local development servers through a
// single reverse proxy on port 80.
//
// Usage:
//
//	# Route app.localhost to a dev server
//	domains add app.localhost 127.0.0.1:3000
//
//	# Start the proxy (native daemon by default)
//	domains up
//
//	# Or run it in an nginx container instead
//	domains up --engine container
//
//	# Inspect routes, ownership and recent proxy errors
//	domains doctor
//
//	# Stop whichever engine owns the port
//	domains down
package main

func main() {
	Execute()
}
