package store

import pipelineerrors "github.com/aurelienizl/buildos-pipeline/pkg/errors"

// ErrInvalidBackend is returned by New for an unrecognized Config.Backend.
var ErrInvalidBackend = pipelineerrors.InvalidState("invalid store backend")
