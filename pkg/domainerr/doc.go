// Package domainerr defines the error taxonomy shared by the route store,
// the ownership arbiter and the proxy engine.
//
// Control-plane errors (ValidationError, ConflictError, NotFoundError,
// PortConflictError) are returned to the operator unchanged. Data-plane
// errors (ConnectTimeoutError, IoTimeoutError, ProtocolError, OverloadError,
// ProxyError) are mapped to an HTTP status with StatusCode when no response
// bytes have been written yet.
//
// All types work with errors.As:
//
//	var conflict *domainerr.ConflictError
//	if errors.As(err, &conflict) {
//		fmt.Println("owned by", conflict.Existing)
//	}
package domainerr
