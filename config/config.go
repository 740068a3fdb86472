// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config is the ambient YAML configuration layer for an lsprpc
// peer: per-method parameter-structure declarations, the initial trace
// level, and the partial-message watchdog timeout. It never touches
// JSON-RPC wire payloads; those stay opaque to the engine. Only the
// engine's own knobs are sourced here.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/lsprpc/jsonrpc2"
)

// MethodDecl declares one method's wire-parameter shape, the YAML source
// for jsonrpc2.MethodShape.
type MethodDecl struct {
	Method         string `yaml:"method" validate:"required"`
	Structure      string `yaml:"structure" validate:"required,oneof=auto byPosition byName"`
	NumberOfParams int    `yaml:"numberOfParams" validate:"gte=0"`
}

// Shape converts the YAML declaration to the engine's jsonrpc2.MethodShape.
func (d MethodDecl) Shape() jsonrpc2.MethodShape {
	var structure jsonrpc2.ParameterStructure
	switch d.Structure {
	case "byPosition":
		structure = jsonrpc2.ByPositionParams
	case "byName":
		structure = jsonrpc2.ByNameParams
	default:
		structure = jsonrpc2.AutoParams
	}
	return jsonrpc2.MethodShape{Structure: structure, NumberOfParams: d.NumberOfParams}
}

// File is the top-level YAML shape: `config.yaml` for an lsprpc peer.
type File struct {
	// TraceLevel is the initial trace verbosity: off, messages, compact,
	// or verbose.
	TraceLevel string `yaml:"traceLevel" validate:"omitempty,oneof=off messages compact verbose"`

	// PartialMessageTimeoutMS is the reader's advisory watchdog period in
	// milliseconds. 0 (or unset) selects jsonrpc2.DefaultPartialMessageTimeout;
	// this file has no setting that disables the watchdog.
	PartialMessageTimeoutMS int `yaml:"partialMessageTimeoutMs" validate:"gte=0"`

	// Methods declares parameter-structure/arity for methods the peer
	// originates or handles. Methods absent here fall back to
	// jsonrpc2.AutoParams with NumberOfParams 0.
	Methods []MethodDecl `yaml:"methods" validate:"dive"`
}

// PartialMessageTimeout converts PartialMessageTimeoutMS to a
// time.Duration, defaulting to jsonrpc2.DefaultPartialMessageTimeout when
// the file doesn't set it.
func (f File) PartialMessageTimeout() time.Duration {
	if f.PartialMessageTimeoutMS == 0 {
		return jsonrpc2.DefaultPartialMessageTimeout
	}
	return time.Duration(f.PartialMessageTimeoutMS) * time.Millisecond
}

// MethodShapes builds the method-name → jsonrpc2.MethodShape map the
// engine consults when encoding outbound params and validating inbound
// ones.
func (f File) MethodShapes() map[string]jsonrpc2.MethodShape {
	shapes := make(map[string]jsonrpc2.MethodShape, len(f.Methods))
	for _, decl := range f.Methods {
		shapes[decl.Method] = decl.Shape()
	}
	return shapes
}

var validate = validator.New()

// Load reads and validates a config file from path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := validate.Struct(f); err != nil {
		return File{}, fmt.Errorf("config: validate %s: %w", path, err)
	}
	return f, nil
}

// Watcher re-reads a config file on every filesystem write and republishes
// validated snapshots on Changes. Single-file, non-recursive watch, no
// debounce: a config file is edited far less often than source files
// are.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current File

	changes chan File
	errs    chan error

	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher loads path once, then watches it for further edits.
func NewWatcher(path string) (*Watcher, error) {
	initial, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new fsnotify watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w := &Watcher{
		path:    path,
		watcher: fw,
		current: initial,
		changes: make(chan File, 1),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded, validated File.
func (w *Watcher) Current() File {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Changes delivers a new File every time the on-disk config changes and
// reparses/revalidates successfully.
func (w *Watcher) Changes() <-chan File { return w.changes }

// Errors delivers parse/validate failures for edits that didn't produce a
// usable config; the previous Current() value is left in place.
func (w *Watcher) Errors() <-chan error { return w.errs }

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			next, err := Load(w.path)
			if err != nil {
				select {
				case w.errs <- err:
				default:
				}
				continue
			}
			w.mu.Lock()
			w.current = next
			w.mu.Unlock()
			select {
			case w.changes <- next:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}
