// Copyright © 2023 AMIS Technologies
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package obslog holds the process-wide logger the CLI commands pull
// from. The peer and function-party engines and the rendezvous server
// build their own loggers with log.New and do not use it.
package obslog

import "github.com/getamis/sirius/log"

var logger = log.Discard()

// Logger returns the current process-wide logger.
func Logger() log.Logger {
	return logger
}

// SetLogger replaces the process-wide logger, typically once at startup
// from a CLI command's PersistentPreRunE.
func SetLogger(l log.Logger) {
	logger = l
}

// New returns a child logger carrying the given key/value context,
// falling back to the process-wide logger's New.
func New(ctx ...interface{}) log.Logger {
	return logger.New(ctx...)
}
