// Copyright © 2024 MoleQueue contributors.
//
//  This file is part of molequeue.
//
//  molequeue is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  molequeue is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.

package jobqueue

import (
	"encoding/json"
	"errors"
)

// FileSpecKind distinguishes the two legal forms a FileSpec may take,
// plus the zero-value "Invalid" form (spec §3).
type FileSpecKind int

const (
	// FileSpecInvalid is the zero value: neither Path nor Contents
	// has been set. A FileSpec in this state may not be submitted.
	FileSpecInvalid FileSpecKind = iota
	// FileSpecPathReference names a file that already exists
	// somewhere readable by the daemon (or, for input files, by the
	// client submitting the job).
	FileSpecPathReference
	// FileSpecInlineContents carries the file's entire contents
	// in-band, to be written out by the daemon before a job runs.
	FileSpecInlineContents
)

var ErrInvalidFileSpec = errors.New("jobqueue: FileSpec has neither path nor contents set")

// FileSpec is a tagged union of "a file that exists at a path" and "a
// file whose contents are given inline", mirroring the two JSON shapes
// spec §3 allows for any input/output file field:
//
//	{"filename": "input.xyz", "path": "/home/user/input.xyz"}
//	{"filename": "input.xyz", "contents": "...full file contents..."}
//
// Exactly one of Path or Contents is populated for a valid FileSpec;
// Kind reports which, and Invalid FileSpecs (both empty) are rejected
// wherever a job is validated.
type FileSpec struct {
	Filename string `json:"filename"`
	Path     string `json:"path,omitempty"`
	Contents string `json:"contents,omitempty"`
}

// Kind reports which of the tagged-union arms this FileSpec occupies.
func (f FileSpec) Kind() FileSpecKind {
	switch {
	case f.Path != "":
		return FileSpecPathReference
	case f.Contents != "":
		return FileSpecInlineContents
	default:
		return FileSpecInvalid
	}
}

// Validate returns ErrInvalidFileSpec if f is in the Invalid state.
func (f FileSpec) Validate() error {
	if f.Kind() == FileSpecInvalid {
		return ErrInvalidFileSpec
	}
	return nil
}

// MarshalJSON is the default struct encoding; it is defined explicitly
// only so the doc comment above is the canonical description of the
// wire shape (both fields are "omitempty", so a path-reference FileSpec
// never emits a "contents" key and vice versa).
func (f FileSpec) MarshalJSON() ([]byte, error) {
	type alias FileSpec
	return json.Marshal(alias(f))
}
