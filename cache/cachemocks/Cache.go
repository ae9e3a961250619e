package cachemocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/skipor/cacheproxy/cache"
)

// Cache is a mock of cache.Cache.
type Cache struct {
	mock.Mock
}

var _ cache.Cache = (*Cache)(nil)

func (_m *Cache) Get(key string) ([]byte, bool) {
	ret := _m.Called(key)

	var r0 []byte
	if rf, ok := ret.Get(0).(func(string) []byte); ok {
		r0 = rf(key)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]byte)
	}

	var r1 bool
	if rf, ok := ret.Get(1).(func(string) bool); ok {
		r1 = rf(key)
	} else {
		r1 = ret.Bool(1)
	}
	return r0, r1
}

func (_m *Cache) Set(key string, value []byte) {
	_m.Called(key, value)
}
