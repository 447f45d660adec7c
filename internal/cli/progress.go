// Copyright 2024 The gonda Authors
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

package cli

import (
	"context"

	"github.com/chainguard-dev/clog"
)

// logSink reports transfer progress through the context logger at debug
// level; it never writes to the console, which keeps the fetch engine free
// of terminal concerns.
type logSink struct {
	log  *clog.Logger
	name string
	last int64
}

func newLogSink(ctx context.Context, name string) *logSink {
	return &logSink{log: clog.FromContext(ctx), name: name}
}

func (s *logSink) Update(done, total int64) {
	// log at most every 10 MiB to keep debug output readable
	const step = 10 << 20
	if done-s.last >= step || (total > 0 && done == total) {
		s.last = done
		s.log.Debugf("%s: %d/%d bytes", s.name, done, total)
	}
}

func (s *logSink) SetSpeed(bps int64) {}

func (s *logSink) SetPostfix(string) {}

func (s *logSink) MarkCompleted() {
	s.log.Debugf("%s: done", s.name)
}
