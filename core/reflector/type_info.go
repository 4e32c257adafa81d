// Package reflector names Go types for logs and metric labels. Results are
// cached per type.
package reflector

import (
	"path"
	"reflect"
	"sync"
)

// maxCacheSize bounds the cache. The set of message types in a program is
// small, so hitting it means something generates types dynamically; the
// cache is then simply reset.
const maxCacheSize = 1024

var (
	muCache sync.RWMutex
	cache   = make(map[reflect.Type]TypeInfo)
)

// TypeInfo holds the names of a reflected type.
type TypeInfo struct {
	Name  string       // "github.com/acme/app/pkg.Type"
	Short string       // "pkg.Type"
	Type  reflect.Type // pointer types are unwrapped
}

// TypeInfoOf returns TypeInfo for the dynamic type of x.
func TypeInfoOf(x any) TypeInfo {
	return TypeInfoForType(reflect.TypeOf(x))
}

// TypeInfoFor returns TypeInfo for type parameter T.
func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeFor[T]())
}

// TypeInfoForType returns TypeInfo for t, unwrapping pointers. Unnamed
// types fall back to their string representation.
func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	muCache.RLock()
	ti, ok := cache[t]
	muCache.RUnlock()
	if ok {
		return ti
	}

	ti = TypeInfo{Type: t}
	switch {
	case t.Name() == "":
		ti.Name = t.String()
		ti.Short = t.String()
	case t.PkgPath() == "":
		ti.Name = t.Name()
		ti.Short = t.Name()
	default:
		ti.Name = t.PkgPath() + "." + t.Name()
		ti.Short = path.Base(t.PkgPath()) + "." + t.Name()
	}

	muCache.Lock()
	defer muCache.Unlock()
	if existing, ok := cache[t]; ok {
		return existing
	}
	if len(cache) >= maxCacheSize {
		cache = make(map[reflect.Type]TypeInfo)
	}
	cache[t] = ti
	return ti
}

// NameOf is shorthand for TypeInfoOf(x).Short.
func NameOf(x any) string { return TypeInfoOf(x).Short }
