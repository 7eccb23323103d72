// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/webdavfs/webdavfs/cmd"
)

func main() {
	if crashLog := os.Getenv("WEBDAVFS_CRASH_LOG"); crashLog != "" {
		defer reportCrash(cmd.NewCrashWriter(crashLog))
	}
	cmd.Execute()
}

// reportCrash appends a recovered panic's message and stack to w before
// re-panicking, so a crash during an unattended mount leaves a record
// behind even when stderr isn't being captured.
func reportCrash(w *cmd.CrashWriter) {
	if r := recover(); r != nil {
		fmt.Fprintf(w, "panic: %v\n%s\n", r, debug.Stack())
		panic(r)
	}
}
