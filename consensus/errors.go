package consensus

import "github.com/pkg/errors"

var ErrUnknownProofKind = errors.New("unknown proof kind")
