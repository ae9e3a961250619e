package mocks

import (
	"io"

	"github.com/stretchr/testify/mock"
)

// Reader is a mock of io.Reader.
type Reader struct {
	mock.Mock
}

var _ io.Reader = (*Reader)(nil)

func (_m *Reader) Read(p []byte) (int, error) {
	ret := _m.Called(p)

	var r0 int
	if rf, ok := ret.Get(0).(func([]byte) int); ok {
		r0 = rf(p)
	} else {
		r0 = ret.Int(0)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func([]byte) error); ok {
		r1 = rf(p)
	} else {
		r1 = ret.Error(1)
	}
	return r0, r1
}
