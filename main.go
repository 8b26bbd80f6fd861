// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/loca-ai/locavision/cmd"
)

var Version = "development"

func main() {
	cmd.Execute(Version)
}
