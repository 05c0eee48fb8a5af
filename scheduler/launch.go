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

// Package scheduler implements launch-script rendering (§4.5), the
// local child-process executor (§4.6), the shared remote-queue
// pipeline engine and its PBS/SGE/SLURM/OAR/UIT adapters (§4.7), and
// queue/program configuration load/save (§4.8's "queue manager").
package scheduler

import (
	"bufio"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/OpenChemistry/molequeue/jobqueue"
	"github.com/inconshreveable/log15"
)

// LaunchSyntax is the Program.LaunchSyntax enum from spec §3.
type LaunchSyntax int

const (
	SyntaxCustom LaunchSyntax = iota
	SyntaxPlain
	SyntaxInputArg
	SyntaxInputArgNoExt
	SyntaxRedirect
	SyntaxInputArgOutputRedirect
)

// Program is a configuration entry attached to exactly one Queue,
// naming an executable to run (spec §3).
type Program struct {
	Name             string       `json:"name"`
	Executable       string       `json:"executable"`
	Arguments        string       `json:"arguments,omitempty"`
	OutputFilename   string       `json:"outputFilename,omitempty"`
	LaunchSyntax     LaunchSyntax `json:"launchSyntax"`
	CustomLaunchTemplate string   `json:"customLaunchTemplate,omitempty"`
}

// programExecutionLine renders the `$$programExecution$$` keyword's
// replacement, given the five built-in syntaxes in spec §4.5's table.
func programExecutionLine(p *Program, in jobqueue.FileSpec) string {
	cmd := strings.TrimSpace(p.Executable + " " + p.Arguments)
	inputFileName := in.Filename
	inputFileBaseName := strings.TrimSuffix(inputFileName, filepath.Ext(inputFileName))
	out := p.OutputFilename

	switch p.LaunchSyntax {
	case SyntaxPlain:
		return cmd
	case SyntaxInputArg:
		return strings.TrimSpace(fmt.Sprintf("%s %s", cmd, inputFileName))
	case SyntaxInputArgNoExt:
		return strings.TrimSpace(fmt.Sprintf("%s %s", cmd, inputFileBaseName))
	case SyntaxRedirect:
		return strings.TrimSpace(fmt.Sprintf("%s < %s > %s", cmd, inputFileName, out))
	case SyntaxInputArgOutputRedirect:
		return strings.TrimSpace(fmt.Sprintf("%s %s > %s", cmd, inputFileName, out))
	default: // SyntaxCustom: callers never reach programExecutionLine for CUSTOM
		return ""
	}
}

// unreplacedKeyword matches any $$name$$ or $$$name$$$ token still
// present after substitution, the same shape
// original_source/molequeue/app/queue.cpp's replaceKeywords scrubs
// with its QRegExp("[^\\$]?(\\${2,3}[^\\$\\s]+\\${2,3})[^\\$]?").
var unreplacedKeyword = regexp.MustCompile(`\${2,3}[^$\s]+\${2,3}`)

// threeDollar matches the "optional value, else delete the whole
// line" variant described in spec §4.5's "Three-dollar variant".
var threeDollar = regexp.MustCompile(`\$\$\$([^$\s]+)\$\$\$`)

// LaunchContext carries the per-job values substituted into a launch
// template (spec §4.5's keyword list), plus any three-dollar optional
// values a caller wants resolved (e.g. maxWallTime).
type LaunchContext struct {
	InputFileName      string
	InputFileBaseName  string
	OutputFileName     string
	MoleQueueID        string
	NumberOfCores      string
	RemoteWorkingDir   string
	ProgramExecution   string
	Optional           map[string]string // three-dollar keyword -> value, if the job set one
}

// RenderLaunchScript composes template with ctx's substitutions,
// following spec §4.5 exactly: the two-dollar keyword table, the
// three-dollar "value or delete the line" variant, stray-keyword
// removal with a logged warning, and a trailing newline.
func RenderLaunchScript(template string, ctx LaunchContext, addNewline bool, log log15.Logger, moleQueueID uint64) string {
	script := template

	script = resolveThreeDollar(script, ctx.Optional)

	replacements := map[string]string{
		"$$inputFileName$$":     ctx.InputFileName,
		"$$inputFileBaseName$$": ctx.InputFileBaseName,
		"$$outputFileName$$":    ctx.OutputFileName,
		"$$moleQueueId$$":       ctx.MoleQueueID,
		"$$numberOfCores$$":     ctx.NumberOfCores,
		"$$remoteWorkingDir$$":  ctx.RemoteWorkingDir,
		"$$programExecution$$":  ctx.ProgramExecution,
	}
	for kw, val := range replacements {
		script = strings.ReplaceAll(script, kw, val)
	}

	for {
		loc := unreplacedKeyword.FindStringIndex(script)
		if loc == nil {
			break
		}
		kw := script[loc[0]:loc[1]]
		if log != nil {
			log.Warn("unhandled keyword in launch script, removing", "keyword", kw, "moleQueueId", moleQueueID)
		}
		script = script[:loc[0]] + script[loc[1]:]
	}

	if addNewline && script != "" && !strings.HasSuffix(script, "\n") {
		script += "\n"
	}
	return script
}

// resolveThreeDollar implements spec §4.5's "Three-dollar variant":
// $$$name$$$ becomes optional[name] if present, otherwise the whole
// line containing the token is deleted.
func resolveThreeDollar(script string, optional map[string]string) string {
	lines := strings.Split(script, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		matches := threeDollar.FindAllStringSubmatch(line, -1)
		if len(matches) == 0 {
			out = append(out, line)
			continue
		}
		keep := true
		rendered := line
		for _, m := range matches {
			name, token := m[1], m[0]
			val, ok := optional[name]
			if !ok {
				keep = false
				break
			}
			rendered = strings.ReplaceAll(rendered, token, val)
		}
		if keep {
			out = append(out, rendered)
		}
	}
	return strings.Join(out, "\n")
}

// ProgramExecutionForJob resolves the $$programExecution$$ keyword's
// replacement for a job whose program uses a built-in syntax, or
// returns the program's custom template verbatim for SyntaxCustom.
func ProgramExecutionForJob(p *Program, in jobqueue.FileSpec) string {
	if p.LaunchSyntax == SyntaxCustom {
		return p.CustomLaunchTemplate
	}
	return programExecutionLine(p, in)
}

// splitStatusLines is a small shared helper used by the PBS/SGE/
// SLURM/OAR status-listing parsers (§4.7) to iterate non-empty lines
// of a queue-status command's stdout.
func splitStatusLines(output string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// parseExitCode is a small helper for adapters whose status output
// embeds a numeric exit/signal code alongside the job state.
func parseExitCode(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
