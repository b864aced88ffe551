// Package ownership records which engine owns the proxy port and decides
// whether another engine may take it.
//
// The record lives in owner.json in the state directory and is never
// trusted blindly: before every decision it is reconciled against the
// recorded process or container, and the port itself is inspected for
// listeners nobody recorded.
package ownership
