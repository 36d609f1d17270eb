package manager

import (
	"errors"
	"fmt"
	"os"
	"reflect"
)

// ExpandTemplates replaces ${VAR} references in the struct pointed to by in. Only fields
// tagged `template` are expanded (strings, *string, []string and map[string]string values);
// `template:"-"` skips a field. Nested structs, pointers to structs and slices of structs are
// always walked. Every reference to an unknown variable is reported.
func ExpandTemplates[T any](in *T, variables map[string]string) error {
	if in == nil {
		return nil
	}
	v := reflect.ValueOf(in).Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("ExpandTemplates expects a pointer to a struct; got *%s", v.Type())
	}

	x := &expander{variables: variables}
	x.walk(v, false)
	return x.errs
}

type expander struct {
	variables map[string]string
	errs      error
}

func (x *expander) walk(v reflect.Value, tagged bool) {
	switch v.Kind() {
	case reflect.String:
		if tagged && v.CanSet() {
			v.SetString(x.expand(v.String()))
		}
	case reflect.Pointer:
		if !v.IsNil() {
			x.walk(v.Elem(), tagged)
		}
	case reflect.Slice:
		for i := range v.Len() {
			x.walk(v.Index(i), tagged)
		}
	case reflect.Map:
		if !tagged || v.IsNil() || v.Type().Key().Kind() != reflect.String || v.Type().Elem().Kind() != reflect.String {
			return
		}
		expanded := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			expanded.SetMapIndex(iter.Key(), reflect.ValueOf(x.expand(iter.Value().String())).Convert(v.Type().Elem()))
		}
		v.Set(expanded)
	case reflect.Struct:
		typ := v.Type()
		for i := range typ.NumField() {
			field := typ.Field(i)
			if !field.IsExported() {
				continue
			}
			tag, ok := field.Tag.Lookup("template")
			if tag == "-" {
				continue
			}
			x.walk(v.Field(i), ok)
		}
	}
}

// expand resolves ${VAR} and $VAR references against the allowed variables.
func (x *expander) expand(value string) string {
	return os.Expand(value, func(key string) string {
		if val, ok := x.variables[key]; ok {
			return val
		}
		x.errs = errors.Join(x.errs, fmt.Errorf("variable %q is not in the allowed list", key))
		return ""
	})
}
