// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package base

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mitchellh/cli"
	"github.com/mitchellh/go-wordwrap"
)

// Format returns the output format to use for the given UI: the value from a
// TrellisUI if set, otherwise the env override, otherwise "table".
func Format(ui cli.Ui) string {
	switch t := ui.(type) {
	case *TrellisUI:
		return t.Format
	}

	format := os.Getenv(EnvTrellisCLIFormat)
	if format == "" {
		format = "table"
	}

	return format
}

// WrapAtLengthWithPadding wraps the given text at the maxLineLength, taking
// into account any provided left padding.
func WrapAtLengthWithPadding(s string, pad int) string {
	wrapped := wordwrap.WrapString(s, uint(maxLineLength-pad))
	lines := strings.Split(wrapped, "\n")
	for i, line := range lines {
		lines[i] = strings.Repeat(" ", pad) + line
	}
	return strings.Join(lines, "\n")
}

// WrapAtLength wraps the given text to maxLineLength.
func WrapAtLength(s string) string {
	return WrapAtLengthWithPadding(s, 0)
}

// WrapForHelpText expects an arbitrary number of lines to be wrapped to the
// standard width with two spaces of left padding, joining them into final
// help text.
func WrapForHelpText(lines []string) string {
	var ret []string
	for _, line := range lines {
		ret = append(ret, WrapAtLengthWithPadding(line, 2))
	}

	return strings.Join(ret, "\n")
}

// WrapMap prints the given map as key/value lines, sorted by key, with the
// keys padded to a uniform width.
func WrapMap(pad int, input map[string]any) string {
	keys := make([]string, 0, len(input))
	maxKey := 0
	for k := range input {
		if len(k) > maxKey {
			maxKey = len(k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var ret []string
	for _, k := range keys {
		line := fmt.Sprintf("%s%s:%s%v",
			strings.Repeat(" ", pad),
			k,
			strings.Repeat(" ", maxKey-len(k)+1),
			input[k])
		ret = append(ret, strings.TrimRight(line, " "))
	}

	return strings.Join(ret, "\n")
}
