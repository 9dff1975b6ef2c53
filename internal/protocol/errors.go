package protocol

import (
	"fmt"

	"github.com/avagate/gateway/internal/xerrors"
)

func protocolErr(format string, args ...any) error {
	return xerrors.New(xerrors.KindProtocol, "protocol", fmt.Sprintf(format, args...))
}

func transportErr(op string, err error) error {
	return xerrors.Wrap(xerrors.KindTransport, op, err)
}

func unsupportedErr(op, msg string) error {
	return xerrors.New(xerrors.KindUnsupported, op, msg)
}

func handshakeErr(op, msg string) error {
	return xerrors.New(xerrors.KindAuth, op, msg)
}
