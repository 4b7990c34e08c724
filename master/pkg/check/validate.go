// Package check walks configuration and request structs and collects validation errors.
package check

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Validatable is implemented by values that can check their own fields.
type Validatable interface {
	Validate() []error
}

// Error aggregates every problem found by Validate.
type Error struct {
	Errs []error
}

func (e Error) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	sort.Strings(msgs)
	return fmt.Sprintf("%d validation errors:\n\t%s", len(msgs), strings.Join(msgs, "\n\t"))
}

// Validate walks v, calling Validate on every reachable Validatable value (pointers, struct
// fields, slice elements and map values), and returns an Error listing all failures.
func Validate(v interface{}) error {
	errs := walk(reflect.ValueOf(v), "root")
	if len(errs) == 0 {
		return nil
	}
	return Error{Errs: errs}
}

func walk(v reflect.Value, path string) []error {
	if !v.IsValid() {
		return nil
	}

	var errs []error
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return walk(v.Elem(), path)
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Field(i).CanInterface() {
				errs = append(errs, walk(v.Field(i), path+"."+v.Type().Field(i).Name)...)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			errs = append(errs, walk(v.Index(i), fmt.Sprintf("%s[%d]", path, i))...)
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			errs = append(errs, walk(v.MapIndex(key), fmt.Sprintf("%s[%v]", path, key))...)
		}
	}

	// Copy into an addressable value so pointer-receiver Validate methods are found too.
	addr := reflect.New(v.Type())
	addr.Elem().Set(v)
	if validatable, ok := addr.Interface().(Validatable); ok {
		for _, err := range validatable.Validate() {
			if err != nil {
				errs = append(errs, errors.Wrapf(err, "at %s", path))
			}
		}
	}
	return errs
}

// OneOf returns an error unless actual equals one of allowed.
func OneOf[T comparable](actual T, allowed []T, what string) error {
	for _, a := range allowed {
		if a == actual {
			return nil
		}
	}
	return errors.Errorf("invalid %s %v, must be one of %v", what, actual, allowed)
}

// Positive returns an error unless n > 0.
func Positive[T ~int | ~int64 | ~float64](n T, what string) error {
	if n <= 0 {
		return errors.Errorf("%s must be positive, got %v", what, n)
	}
	return nil
}

// NonNegative returns an error if n < 0.
func NonNegative[T ~int | ~int64 | ~float64](n T, what string) error {
	if n < 0 {
		return errors.Errorf("%s must not be negative, got %v", what, n)
	}
	return nil
}
