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

package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/matrixcore/event"
	"github.com/matrix-org/matrixcore/fedclient"
	"github.com/matrix-org/matrixcore/internal/jsonresponse"
	"github.com/matrix-org/matrixcore/internal/logctx"
)

type originKey struct{}

// originFrom returns the verified origin server stashed by authenticated
// for the current request.
func originFrom(ctx context.Context) event.ServerName {
	o, _ := ctx.Value(originKey{}).(event.ServerName)
	return o
}

// authenticated wraps a handler that requires a verified X-Matrix
// Authorization header (every federation endpoint but version, the key
// server, and the two .well-known documents, per spec.md §4.8/§6).
func (s *Server) authenticated(next func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
		if err != nil {
			jsonresponse.BadJSON("could not read request body").WriteTo(w)
			return
		}
		r.Body.Close()

		resolver := func(ctx context.Context, server event.ServerName, keyID string) (ed25519.PublicKey, error) {
			vk, err := s.Keys.Get(ctx, server, keyID)
			if err != nil {
				return nil, err
			}
			return vk.Public, nil
		}

		origin, err := fedclient.VerifyInbound(r.Context(), resolver, s.ServerName, r.Method, r.URL.RequestURI(), body, r.Header.Get("Authorization"))
		if err != nil {
			logctx.From(r.Context()).WithError(err).Debug("httpapi: rejecting unauthenticated federation request")
			jsonresponse.Unauthorized(err.Error()).WriteTo(w)
			return
		}

		ctx := context.WithValue(r.Context(), originKey{}, origin)
		ctx = logctx.With(ctx, map[string]interface{}{"origin": origin, "path": r.URL.Path})
		r = r.WithContext(ctx)
		r.Body = io.NopCloser(bytes.NewReader(body))
		next(w, r)
	}
}
