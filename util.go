package cacheproxy

import "github.com/skipor/cacheproxy/internal/util"

func unwrap(err error) error {
	return util.Unwrap(err)
}
