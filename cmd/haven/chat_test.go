package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haven-chat/haven-go/internal/remote"
)

// Rejections, unreachable servers, and local failures read differently so the
// user knows whether sending again can help.
func TestSendFailureNotice(t *testing.T) {
	rejected := &remote.RejectedError{Op: "run", Status: 422, Body: "bad request"}
	notice := sendFailureNotice(rejected)
	require.Contains(t, notice, "refused")
	require.Contains(t, notice, "422")
	require.NotContains(t, notice, "unreachable")

	unavailable := &remote.UnavailableError{Op: "run", Err: errors.New("connection reset")}
	require.Contains(t, sendFailureNotice(unavailable), "unreachable")

	require.Contains(t, sendFailureNotice(errors.New("disk full")), "disk full")
}
