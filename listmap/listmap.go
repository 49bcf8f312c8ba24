// Package listmap unmarshals TOML sections that may be written either as
// a single table or as an array of tables.
package listmap

import (
	"bytes"
	"reflect"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// DoUnmarshalTOML decodes src, which is either a map or a slice of maps,
// into the slice pointed to by dst. A lone map decodes as a one element
// slice so `[section]` and `[[section]]` may be used interchangeably.
func DoUnmarshalTOML(dst, src interface{}) error {
	dstV := reflect.Indirect(reflect.ValueOf(dst))
	if !dstV.CanSet() {
		return errors.New("dst must be settable")
	}
	if dstV.Kind() != reflect.Slice {
		return errors.New("dst must be a slice")
	}

	srcV := reflect.ValueOf(src)
	var elems []reflect.Value
	switch srcV.Kind() {
	case reflect.Slice:
		elems = make([]reflect.Value, srcV.Len())
		for i := range elems {
			elems[i] = srcV.Index(i)
		}
	case reflect.Map:
		elems = []reflect.Value{srcV}
	default:
		return errors.Errorf("src must be a slice or map, got %v", srcV.Kind())
	}

	dstV.Set(reflect.MakeSlice(dstV.Type(), len(elems), len(elems)))

	// Round trip each element through the TOML encoder so that decoding
	// into the slice element behaves exactly like top level decoding,
	// including TextUnmarshaler fields.
	var buf bytes.Buffer
	for i, v := range elems {
		buf.Reset()
		if err := toml.NewEncoder(&buf).Encode(v.Interface()); err != nil {
			return errors.Wrap(err, "failed to reencode toml data")
		}
		elem := reflect.New(dstV.Type().Elem())
		if _, err := toml.Decode(buf.String(), elem.Interface()); err != nil {
			return err
		}
		dstV.Index(i).Set(reflect.Indirect(elem))
	}
	return nil
}
