// Package domains implements the control operations behind the CLI:
// list, show, add, remove, up, down and doctor.
//
// A Manager ties the route store to the single-owner record and the two
// engines. Route changes are written first and the running owner, if any,
// is reloaded afterwards; a failed reload never undoes the change. Up goes
// through the ownership arbiter, so an engine of the other kind is refused
// before anything is started.
package domains
