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

// Package internal holds small helpers shared by the rest of molequeue
// that don't belong to any one subsystem.
package internal

import (
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
)

// TildaToHome converts a path beginning with ~/ to one rooted at the
// current user's home directory. Paths without that prefix are
// returned unaltered.
func TildaToHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if u, uerr := user.Current(); uerr == nil {
			home = u.HomeDir
		}
	}
	if home == "" {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}

// NameRegexp matches the "alphanumeric with internal single-spaces"
// rule spec §3 requires of queue and program names: it must start and
// end with an alphanumeric character, and may contain single spaces
// between alphanumeric runs.
var NameRegexp = regexp.MustCompile(`^[A-Za-z0-9]+( [A-Za-z0-9]+)*$`)

// ValidName reports whether name satisfies NameRegexp.
func ValidName(name string) bool {
	return name != "" && NameRegexp.MatchString(name)
}

// EnsureDir creates dir (and parents) if it doesn't already exist,
// returning whether it already existed.
func EnsureDir(dir string) (existed bool, err error) {
	info, err := os.Stat(dir)
	if err == nil {
		return info.IsDir(), nil
	}
	if !os.IsNotExist(err) {
		return false, err
	}
	return false, os.MkdirAll(dir, 0o755)
}
