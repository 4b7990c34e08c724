package api

import (
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

var durationType = reflect.TypeOf(time.Duration(0))

var parsers = map[reflect.Kind]func(v string) (interface{}, error){
	reflect.String: func(v string) (interface{}, error) { return v, nil },
	reflect.Int:    func(v string) (interface{}, error) { return strconv.Atoi(v) },
	reflect.Int64:  func(v string) (interface{}, error) { return strconv.ParseInt(v, 10, 64) },
	reflect.Bool:   func(v string) (interface{}, error) { return strconv.ParseBool(v) },
}

// BindArgs binds path and query parameters in the context to struct fields.
func BindArgs(i interface{}, c echo.Context) error {
	v := reflect.ValueOf(i).Elem()
	for index := 0; index < v.Type().NumField(); index++ {
		meta := v.Type().Field(index)
		if name, ok := meta.Tag.Lookup("path"); ok {
			if err := bindValue(name, meta.Type, v.Field(index), c.Param(name)); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
		}
		if name, ok := meta.Tag.Lookup("query"); ok {
			if err := bindValue(name, meta.Type, v.Field(index), c.QueryParam(name)); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
		}
	}
	return nil
}

func bindValue(name string, t reflect.Type, f reflect.Value, value string) error {
	if value == "" {
		// If the value is blank, handle defaulting pointer and non-pointer types appropriately.
		if t.Kind() == reflect.Ptr {
			return nil
		}
		return errors.Errorf("missing parameter: %s", name)
	}

	target := t
	if t.Kind() == reflect.Ptr {
		target = t.Elem()
	}
	parser, ok := parsers[target.Kind()]
	if target == durationType {
		parser, ok = func(v string) (interface{}, error) { return time.ParseDuration(v) }, true
	}
	if !ok {
		return errors.Errorf("no parser found for kind: %v", t.Kind())
	}
	parsed, err := parser(value)
	if err != nil {
		return errors.Wrapf(err, "unable to parse to %v: %s", target.Kind(), value)
	}

	// Named types such as ids share a kind with their parser's result.
	converted := reflect.ValueOf(parsed).Convert(target)
	if t.Kind() == reflect.Ptr {
		f.Set(reflect.New(target))
		f.Elem().Set(converted)
	} else {
		f.Set(converted)
	}
	return nil
}
