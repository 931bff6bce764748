package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Validator checks a decoded configuration value.
type Validator interface {
	Validate(config interface{}) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(config interface{}) error

// Validate implements Validator.
func (f ValidatorFunc) Validate(config interface{}) error {
	return f(config)
}

// Validate runs every validator and joins their errors.
func Validate(config interface{}, validators ...Validator) error {
	var errs []error
	for _, v := range validators {
		if err := v.Validate(config); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// RequiredFields fails when any of the dotted field paths holds its zero
// value, e.g. RequiredFields("Model.Name", "Sampler.Iterations").
func RequiredFields(paths ...string) Validator {
	return ValidatorFunc(func(config interface{}) error {
		var missing []string
		for _, path := range paths {
			v, err := field(config, path)
			if err != nil {
				return err
			}
			if v.IsZero() || ((v.Kind() == reflect.Slice || v.Kind() == reflect.Map) && v.Len() == 0) {
				missing = append(missing, path)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("required fields are missing: %s", strings.Join(missing, ", "))
		}
		return nil
	})
}

// RangeValidator requires a numeric field to lie in [min, max].
func RangeValidator(path string, min, max float64) Validator {
	return ValidatorFunc(func(config interface{}) error {
		v, err := field(config, path)
		if err != nil {
			return err
		}
		var n float64
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n = float64(v.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n = float64(v.Uint())
		case reflect.Float32, reflect.Float64:
			n = v.Float()
		default:
			return fmt.Errorf("field %s is not numeric", path)
		}
		if n < min || n > max {
			return fmt.Errorf("field %s = %v is out of range [%v, %v]", path, n, min, max)
		}
		return nil
	})
}

// OneOfValidator requires a field to equal one of allowed.
func OneOfValidator(path string, allowed ...interface{}) Validator {
	return ValidatorFunc(func(config interface{}) error {
		v, err := field(config, path)
		if err != nil {
			return err
		}
		got := v.Interface()
		for _, a := range allowed {
			if reflect.DeepEqual(got, a) {
				return nil
			}
		}
		return fmt.Errorf("field %s = %v is not one of %v", path, got, allowed)
	})
}

// field resolves a dotted Go field path on a struct or pointer to struct.
func field(config interface{}, path string) (reflect.Value, error) {
	cur := reflect.ValueOf(config)
	for _, part := range strings.Split(path, ".") {
		for cur.Kind() == reflect.Ptr || cur.Kind() == reflect.Interface {
			if cur.IsNil() {
				return reflect.Value{}, fmt.Errorf("field %s: nil value at %s", path, part)
			}
			cur = cur.Elem()
		}
		if cur.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field %s: %s is not inside a struct", path, part)
		}
		cur = cur.FieldByName(part)
		if !cur.IsValid() {
			return reflect.Value{}, fmt.Errorf("field %s not found", path)
		}
	}
	return cur, nil
}
