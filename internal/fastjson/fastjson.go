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

// Package fastjson is an encoding/json drop-in for bodies that don't need
// byte-exact canonical form. No package in this module imports it:
// txn, join and the HTTP handlers decode with encoding/json (and gjson)
// directly. The canonical-JSON hashing/signing path in
// canonicaljson never uses this; it has its own precise, hand-rolled
// encoder since ordinary JSON libraries don't guarantee the determinism
// that path requires.
package fastjson

import (
	jsoniter "github.com/json-iterator/go"
)

// API is jsoniter configured to behave like encoding/json wherever the
// two differ, the same top-level alias the teacher's cbor.go keeps.
var API = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal and Unmarshal are the two calls nearly every caller needs;
// reach for API directly for anything more involved (streaming, a
// custom Encoder).
var (
	Marshal   = API.Marshal
	Unmarshal = API.Unmarshal
)
