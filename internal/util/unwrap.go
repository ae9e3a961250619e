package util

// Unwrap strips all stackerr layers and returns the original error.
func Unwrap(err error) error {
	type hasUnderlying interface {
		Underlying() error
	}
	for {
		eh, ok := err.(hasUnderlying)
		if !ok {
			return err
		}
		u := eh.Underlying()
		if u == nil || u == err {
			return err
		}
		err = u
	}
}
