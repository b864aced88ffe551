//go:build !unix

package engine

import "errors"

var errUnsupported = errors.New("the native engine needs a unix system; use --engine container")

func (SystemProcesses) Spawn(SpawnSpec) (int, error) { return 0, errUnsupported }

func (SystemProcesses) Signal(int, Signal) error { return errUnsupported }

func (SystemProcesses) Alive(int) bool { return false }
