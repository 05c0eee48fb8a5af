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

package cmd

import "github.com/spf13/cobra"

// version is set at build time via -ldflags, matching the common
// cobra-CLI pattern of a package-level var; unofficial builds report
// "dev".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the molequeue version",
	Run: func(cmd *cobra.Command, args []string) {
		info("molequeue %s", version)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
