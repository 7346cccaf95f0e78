package trcutil

import "errors"

// FlattenErrors converts a slice of errors to a slice of strings.
func FlattenErrors(errs ...error) []string {
	if len(errs) <= 0 {
		return nil
	}
	strs := make([]string, len(errs))
	for i := range errs {
		strs[i] = errs[i].Error()
	}
	return strs
}

// ErrorChain returns err followed by every error it wraps, depth first.
// Joined errors contribute each of their members. Cycles aren't possible with
// the standard wrapping helpers, but depth is bounded anyway.
func ErrorChain(err error) []error {
	const maxDepth = 32

	var chain []error
	var walk func(error, int)
	walk = func(err error, depth int) {
		if err == nil || depth > maxDepth {
			return
		}
		chain = append(chain, err)
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range x.Unwrap() {
				walk(e, depth+1)
			}
		default:
			walk(errors.Unwrap(err), depth+1)
		}
	}
	walk(err, 0)

	return chain
}
