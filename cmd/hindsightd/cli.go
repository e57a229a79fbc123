// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import "flag"

var (
	flagInit, flagVersion bool
	flagConfigFile        string
)

// cliInit parses the command line. The main configuration file is taken
// from the -config flag if given, else from the first positional
// argument, else "./config.json".
func cliInit() {
	flag.BoolVar(&flagInit, "init", false, "Scaffold output_path/run_path/load_path directories and a default config.json")
	flag.BoolVar(&flagVersion, "version", false, "Show version information and exit")
	flag.StringVar(&flagConfigFile, "config", "", "Path to the main configuration file (overrides the positional argument)")
	flag.Parse()
}

// configPath resolves the effective configuration file path per cliInit's
// doc comment.
func configPath() string {
	if flagConfigFile != "" {
		return flagConfigFile
	}
	if flag.NArg() > 0 {
		return flag.Arg(0)
	}
	return "./config.json"
}
