// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package base

const (
	// FlagNameConfig is the flag used to point at the HCL configuration file.
	FlagNameConfig = "config"
	// FlagNameLogLevel is the flag used to set the daemon log level.
	FlagNameLogLevel = "log-level"
	// FlagNameLogFormat is the flag used to set the daemon log format.
	FlagNameLogFormat = "log-format"
)

const (
	EnvTrellisCLINoColor = `TRELLIS_CLI_NO_COLOR`
	EnvTrellisCLIFormat  = `TRELLIS_CLI_FORMAT`
	EnvTrellisLogLevel   = `TRELLIS_LOG_LEVEL`
	EnvTrellisLogFormat  = `TRELLIS_LOG_FORMAT`
)

// Command exit codes. CommandUserError covers bad flags or config supplied by
// the operator; CommandCliError covers internal failures while running.
const (
	CommandSuccess int = iota
	CommandUserError
	CommandCliError
)
