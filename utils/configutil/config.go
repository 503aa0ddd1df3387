// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package configutil loads YAML configuration files and validates them.
//
// A file may extend another one:
//
//	# production.yaml
//	extends: base.yaml
//	store:
//	  root_dir: /var/lib/imagestore
//
// Files are applied base first, so maps are deep merged and every other
// value, including lists, is replaced by the extending file. Relative extends
// paths are resolved against the directory of the extending file. Validation
// runs once, on the merged result.
package configutil

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// ErrCycleRef is returned when configuration files extend each other in a loop.
var ErrCycleRef = errors.New("cyclic reference in configuration extends detected")

type extends struct {
	Extends string `yaml:"extends"`
}

// ValidationError is returned when a merged configuration fails validation.
type ValidationError struct {
	errorMap validator.ErrorMap
}

// ErrForField returns the validation error for the given field.
func (e ValidationError) ErrForField(name string) error {
	return e.errorMap[name]
}

func (e ValidationError) Error() string {
	fields := make([]string, 0, len(e.errorMap))
	for f := range e.errorMap {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var b bytes.Buffer
	b.WriteString("validation failed")
	for _, f := range fields {
		fmt.Fprintf(&b, "\n   %s: %v", f, e.errorMap[f])
	}
	return b.String()
}

// Load unmarshals filename and every file it transitively extends into
// config, then validates config.
func Load(filename string, config interface{}) error {
	filenames, err := resolveExtends(filename, readExtends)
	if err != nil {
		return err
	}
	for _, f := range filenames {
		data, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("unmarshal %s: %s", f, err)
		}
	}
	if err := validator.Validate(config); err != nil {
		var m validator.ErrorMap
		if errors.As(err, &m) {
			return ValidationError{m}
		}
		return err
	}
	return nil
}

// resolveExtends returns the chain of files filename extends, base first.
func resolveExtends(filename string, read func(string) (string, error)) ([]string, error) {
	chain := []string{filename}
	seen := map[string]bool{filename: true}
	for {
		parent, err := read(filename)
		if err != nil {
			return nil, err
		}
		if parent == "" {
			return chain, nil
		}
		if !filepath.IsAbs(parent) {
			parent = filepath.Join(filepath.Dir(filename), parent)
		}
		if seen[parent] {
			return nil, ErrCycleRef
		}
		seen[parent] = true
		chain = append([]string{parent}, chain...)
		filename = parent
	}
}

func readExtends(filename string) (string, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return "", err
	}
	var e extends
	if err := yaml.Unmarshal(data, &e); err != nil {
		return "", fmt.Errorf("unmarshal %s: %s", filename, err)
	}
	return e.Extends, nil
}
