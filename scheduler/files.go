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

package scheduler

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/OpenChemistry/molequeue/jobqueue"
)

// StageFileSpec materializes a FileSpec into dir: inline-contents
// FileSpecs are written out, path-reference FileSpecs are merely
// checked with exists() — both per spec §4.6's "Per-start procedure".
//
// The spec's §9 Open Question about the original C++'s switch-case
// fall-through between the two FileSpec kinds is resolved here as "no
// fall-through": each kind is handled exclusively, matching the
// decision recorded in DESIGN.md.
func StageFileSpec(fs jobqueue.FileSpec, dir string) error {
	switch fs.Kind() {
	case jobqueue.FileSpecInlineContents:
		path := filepath.Join(dir, fs.Filename)
		return os.WriteFile(path, []byte(fs.Contents), 0644)
	case jobqueue.FileSpecPathReference:
		if _, err := os.Stat(fs.Path); err != nil {
			return fmt.Errorf("input file %s does not exist: %w", fs.Path, err)
		}
		return nil
	default:
		return jobqueue.ErrInvalidFileSpec
	}
}

// copyDirLocal recursively copies src to dst on the local filesystem,
// used by the local executor's output-directory copy-out step.
func copyDirLocal(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFileLocal(path, target, info.Mode())
	})
}

func copyFileLocal(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// launcherName is the filename the remote pipeline gives a job's
// rendered launch script, staged alongside its input files.
const launcherName = "molequeue_launcher.sh"

// writeLauncher writes a rendered launch script into dir, marked
// executable, per spec §4.6/§4.7's "mark it executable" step.
func writeLauncher(dir, script string) error {
	return os.WriteFile(filepath.Join(dir, launcherName), []byte(script), 0755)
}

// removeAllLocal deletes a local directory tree, used by the local
// executor and remote pipeline's cleanup stages.
func removeAllLocal(dir string) error {
	return os.RemoveAll(dir)
}

// isUnsafeRemovalPath implements spec §4.7's "Safety on remote path":
// before any rm -rf or equivalent, refuse to act if the path
// simplifies to "/".
func isUnsafeRemovalPath(path string) bool {
	return filepath.Clean(path) == "/" || path == ""
}
