// Copyright 2021 The Matrix.org Foundation C.I.C.
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

// Package logctx threads a structured logrus.Entry through a
// context.Context, the same request-scoped logger handed down from one
// call to the next that the Dendrite grounding files get for free from
// util.GetLogger. This repo doesn't import that module, so the same
// shape is reproduced locally.
package logctx

import (
	"context"

	"github.com/sirupsen/logrus"
)

type ctxKey struct{}

// With returns a copy of ctx carrying a logger built from whatever
// entry From(ctx) would already return, plus fields merged in. Later
// calls see the union of every With call in the chain.
func With(ctx context.Context, fields logrus.Fields) context.Context {
	return context.WithValue(ctx, ctxKey{}, From(ctx).WithFields(fields))
}

// From returns the logger stashed in ctx, or the standard logger's base
// entry if nothing was stashed.
func From(ctx context.Context) *logrus.Entry {
	if l, ok := ctx.Value(ctxKey{}).(*logrus.Entry); ok {
		return l
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
