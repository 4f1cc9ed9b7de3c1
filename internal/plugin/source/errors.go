package source

import (
	"errors"

	"github.com/samber/oops"
)

// Error codes.
const (
	CodeFailed    = "SOURCE_FAILED"
	CodeForbidden = "SOURCE_FORBIDDEN"
)

// ErrNoEntry is returned by LoadCode when no entry file exists.
var ErrNoEntry = errors.New("no entry file found")

func failed(d Descriptor) oops.OopsErrorBuilder {
	return oops.Code(CodeFailed).In("source").With("kind", d.Kind).With("location", d.Location())
}
