package controlplane

import "errors"

// Sentinel errors for the control plane API.
var (
	ErrNotLeader         = errors.New("this node is not the leader")
	ErrUnknownCapability = errors.New("no agent capability matches the requested tag")
)
