// Package expvar reimplements the stdlib expvar.Var types with typed value
// accessors, so collected statistics can be read back as numbers instead of
// re-parsing their JSON string form, and with entry deletion on Map, which
// the stdlib omits and which per-writer statistics need when a writer is
// torn down.
package expvar

import (
	"bytes"
	"expvar"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tradewire/tradewire/uuid"
)

// IntVar is an expvar.Var whose value is readable as an int64.
type IntVar interface {
	expvar.Var
	IntValue() int64
}

// FloatVar is an expvar.Var whose value is readable as a float64.
type FloatVar interface {
	expvar.Var
	FloatValue() float64
}

// StringVar is an expvar.Var whose value is readable as the raw,
// unquoted string.
type StringVar interface {
	expvar.Var
	StringValue() string
}

// Int is an atomic int64 counter.
type Int struct {
	i int64
}

func (v *Int) String() string {
	return strconv.FormatInt(v.IntValue(), 10)
}

func (v *Int) IntValue() int64 {
	return atomic.LoadInt64(&v.i)
}

func (v *Int) Add(delta int64) {
	atomic.AddInt64(&v.i, delta)
}

func (v *Int) Set(value int64) {
	atomic.StoreInt64(&v.i, value)
}

// IntSum is an integer variable made of named parts. Its published value
// is the sum over all parts. Part names identify the contributor, a
// routing group or a writer, and are not exported themselves.
type IntSum struct {
	mu    sync.Mutex
	parts map[string]int64
	sum   int64
}

func NewIntSum() *IntSum {
	return &IntSum{parts: make(map[string]int64)}
}

func (v *IntSum) String() string {
	return strconv.FormatInt(v.IntValue(), 10)
}

func (v *IntSum) IntValue() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sum
}

func (v *IntSum) Add(part string, delta int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.parts[part] += delta
	v.sum += delta
}

// Set replaces the value of one part, adjusting the sum by the difference.
func (v *IntSum) Set(part string, value int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sum += value - v.parts[part]
	v.parts[part] = value
}

// Float is an atomic float64 variable.
type Float struct {
	f uint64
}

func (v *Float) String() string {
	return strconv.FormatFloat(v.FloatValue(), 'g', -1, 64)
}

func (v *Float) FloatValue() float64 {
	return math.Float64frombits(atomic.LoadUint64(&v.f))
}

func (v *Float) Set(value float64) {
	atomic.StoreUint64(&v.f, math.Float64bits(value))
}

func (v *Float) Add(delta float64) {
	for {
		cur := atomic.LoadUint64(&v.f)
		next := math.Float64bits(math.Float64frombits(cur) + delta)
		if atomic.CompareAndSwapUint64(&v.f, cur, next) {
			return
		}
	}
}

// String is a string variable. Unlike the stdlib version the raw value is
// accessible through StringValue without undoing the quoting.
type String struct {
	mu sync.RWMutex
	s  string
}

func (v *String) String() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return strconv.Quote(v.s)
}

func (v *String) StringValue() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.s
}

func (v *String) Set(value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.s = value
}

// UUID is a uuid.UUID variable published in its string form.
type UUID struct {
	mu sync.RWMutex
	id uuid.UUID
	s  string
}

func (v *UUID) String() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return strconv.Quote(v.s)
}

func (v *UUID) StringValue() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.s
}

func (v *UUID) UUIDValue() uuid.UUID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.id
}

func (v *UUID) Set(value uuid.UUID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.id = value
	v.s = value.String()
}

// Map is a string to expvar.Var map. Entries can be deleted, which the
// stdlib expvar.Map does not allow.
type Map struct {
	mu sync.RWMutex
	m  map[string]expvar.Var
}

// Init prepares the map for use and must be called before any other
// method.
func (v *Map) Init() *Map {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m = make(map[string]expvar.Var)
	return v
}

func (v *Map) String() string {
	var b bytes.Buffer
	b.WriteByte('{')
	first := true
	v.Do(func(kv expvar.KeyValue) {
		if !first {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q: %v", kv.Key, kv.Value)
		first = false
	})
	b.WriteByte('}')
	return b.String()
}

func (v *Map) Get(key string) expvar.Var {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.m[key]
}

func (v *Map) Set(key string, av expvar.Var) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[key] = av
}

func (v *Map) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.m, key)
}

// Add adds delta to the *Int stored under key, creating it on first use.
// Entries of any other type are left alone.
func (v *Map) Add(key string, delta int64) {
	v.mu.RLock()
	av, ok := v.m[key]
	v.mu.RUnlock()
	if !ok {
		v.mu.Lock()
		av, ok = v.m[key]
		if !ok {
			av = new(Int)
			v.m[key] = av
		}
		v.mu.Unlock()
	}
	if iv, ok := av.(*Int); ok {
		iv.Add(delta)
	}
}

// Do calls f for each entry in the map, holding the map's lock. Entry
// values may still be updated concurrently.
func (v *Map) Do(f func(expvar.KeyValue)) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for k, av := range v.m {
		f(expvar.KeyValue{Key: k, Value: av})
	}
}

// DoSorted is Do with the keys visited in sorted order.
func (v *Map) DoSorted(f func(expvar.KeyValue)) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f(expvar.KeyValue{Key: k, Value: v.m[k]})
	}
}
