// Copyright (c) 2025-present deep.rent GmbH (https://deep.rent)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package env populates configuration structs from environment variables.
//
// Every exported field that carries an env tag is mapped to the variable
// named by the tag. Fields without a tag are skipped.
//
//	type Config struct {
//		Program  string   `env:"CARGO,default:cargo"`
//		Dir      string   `env:"CARGO_MANIFEST_DIR,required"`
//		Offline  bool     `env:"CDYLIB_OFFLINE,default:true"`
//		Features []string `env:"CDYLIB_FEATURES"`
//	}
//
// # Options
//
// The first element of the tag is the variable name. The rest are options:
//
//   - default:<value> is used when the variable is unset.
//   - required fails Unmarshal when the variable is unset and has no default.
//   - split:<sep> sets the separator of slice fields (default ",").
//
// Values may be quoted with single or double quotes to contain commas, as in
// `env:"LIST,default:'a,b'"`.
//
// A variable that is set to the empty string counts as set. For a slice
// field this yields an empty, non-nil slice, which lets callers tell "set to
// nothing" apart from "unset" (nil).
package env

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// Lookup retrieves the value of an environment variable. It follows the
// signature of os.LookupEnv.
type Lookup func(key string) (string, bool)

// Unmarshaler is implemented by types that parse themselves from the raw
// variable value.
type Unmarshaler interface {
	UnmarshalEnv(value string) error
}

// Option configures Unmarshal.
type Option func(*config)

// WithLookup replaces os.LookupEnv as the source of variables. A nil
// function is ignored.
func WithLookup(lookup Lookup) Option {
	return func(c *config) {
		if lookup != nil {
			c.Lookup = lookup
		}
	}
}

// WithPrefix prepends prefix to every variable name.
func WithPrefix(prefix string) Option {
	return func(c *config) {
		c.Prefix = prefix
	}
}

type config struct {
	Prefix string
	Lookup Lookup
}

type flags struct {
	Name     string
	Default  string
	Split    string
	Required bool
	Defaults bool // Default was given.
}

var typeUnmarshaler = reflect.TypeOf((*Unmarshaler)(nil)).Elem()

// Unmarshal fills the struct pointed to by v from the environment.
func Unmarshal(v any, opts ...Option) error {
	if err := unmarshal(v, opts...); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	return nil
}

func unmarshal(v any, opts ...Option) error {
	ptr := reflect.ValueOf(v)
	if ptr.Kind() != reflect.Pointer || ptr.IsNil() {
		return errors.New("expected a non-nil pointer to a struct")
	}
	rv := ptr.Elem()
	if rv.Kind() != reflect.Struct {
		return fmt.Errorf("expected a pointer to a struct, but got pointer to %v", rv.Kind())
	}

	cfg := config{Lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&cfg)
	}

	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		ft := rt.Field(i)
		tag, ok := ft.Tag.Lookup("env")
		if !ok || tag == "-" || !ft.IsExported() {
			continue
		}
		f, err := parse(tag)
		if err != nil {
			return fmt.Errorf("failed to parse tag for field %q: %w", ft.Name, err)
		}
		if f.Name == "" {
			return fmt.Errorf("field %q: missing variable name", ft.Name)
		}

		key := cfg.Prefix + f.Name
		val, ok := cfg.Lookup(key)
		if !ok {
			switch {
			case f.Defaults:
				val = f.Default
			case f.Required:
				return fmt.Errorf("required variable %q is not set", key)
			default:
				continue
			}
		}
		if err := set(rv.Field(i), val, f); err != nil {
			return fmt.Errorf("error setting field %q from variable %q: %w", ft.Name, key, err)
		}
	}
	return nil
}

func set(rv reflect.Value, v string, f flags) error {
	if addr := rv.Addr(); addr.Type().Implements(typeUnmarshaler) {
		return addr.Interface().(Unmarshaler).UnmarshalEnv(v)
	}
	switch rv.Kind() {
	case reflect.String:
		rv.SetString(v)
	case reflect.Bool:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		rv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(v, 10, rv.Type().Bits())
		if err != nil {
			return err
		}
		rv.SetInt(n)
	case reflect.Slice:
		if rv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported type: %v", rv.Type())
		}
		parts := []string{}
		for part := range strings.SplitSeq(v, f.Split) {
			if part = strings.TrimSpace(part); part != "" {
				parts = append(parts, part)
			}
		}
		rv.Set(reflect.ValueOf(parts).Convert(rv.Type()))
	default:
		return fmt.Errorf("unsupported type: %v", rv.Type())
	}
	return nil
}

// parse parses an env tag. Commas inside quoted option values do not
// separate options.
func parse(s string) (f flags, err error) {
	f.Split = ","
	name, rest, _ := strings.Cut(s, ",")
	f.Name = strings.TrimSpace(name)

	for rest != "" {
		end := -1
		var quote rune
		for i, r := range rest {
			if quote != 0 {
				if r == quote {
					quote = 0
				}
				continue
			}
			if r == '\'' || r == '"' {
				quote = r
			} else if r == ',' {
				end = i
				break
			}
		}
		var part string
		if end == -1 {
			part, rest = rest, ""
		} else {
			part, rest = rest[:end], rest[end+1:]
		}

		key, val, found := strings.Cut(part, ":")
		key = strings.TrimSpace(key)
		if !found {
			switch key {
			case "required":
				f.Required = true
			case "":
			default:
				return f, fmt.Errorf("unknown tag option: %q", key)
			}
			continue
		}
		val = unquote(val)
		switch key {
		case "default":
			f.Default, f.Defaults = val, true
		case "split":
			f.Split = val
		default:
			return f, fmt.Errorf("unknown tag option: %q", key)
		}
	}
	if f.Split == "" {
		return f, errors.New("empty split separator")
	}
	return f, nil
}

// unquote removes one layer of matching single or double quotes.
func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}
