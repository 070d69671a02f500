package probes

import (
	"errors"
	"net"
	"syscall"
)

func asNetError(err error, target *net.Error) bool {
	return errors.As(err, target)
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
