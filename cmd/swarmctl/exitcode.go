// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"context"
	"errors"

	"github.com/shareswarm/engine/errcode"
)

// exitCodeFor maps an engine error to the result code a calling shell or
// script observes. A nil error is success; context cancellation (Ctrl-C,
// SIGTERM) is reported as user-cancelled rather than internal.
func exitCodeFor(err error) int {
	if err == nil {
		return exitSuccess
	}
	if errors.Is(err, context.Canceled) {
		return exitUserCancelled
	}

	var se *errcode.SwarmError
	if !errors.As(err, &se) {
		return exitInternal
	}

	switch se.Code {
	case errcode.TransferAborted, errcode.AlreadyComplete, errcode.PackagingFailed:
		return exitTransferAborted
	case errcode.SignalingUnavailable, errcode.PeerUnreachable, errcode.ConnectionLost, errcode.Timeout:
		return exitNetworkUnreachable
	case errcode.AuthenticationFailure, errcode.NonceReplay, errcode.KeyCorruption:
		return exitUnauthorized
	default:
		return exitInternal
	}
}
