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

package txn

import (
	"net"
	"regexp"
	"strings"

	"github.com/matrix-org/matrixcore/event"
)

// aclAllows reports whether server may send or receive events in a room
// governed by acl, per spec.md §4.11. A server is allowed if it matches
// no deny pattern and matches some allow pattern; an empty allow list is
// treated as allow-all (deny patterns still apply), matching the
// permissive default most rooms are created with (an explicit "allow
// nothing" ACL must list entries of its own that match nothing).
func aclAllows(acl event.ServerACLContent, server event.ServerName) bool {
	name := string(server)
	if !acl.AllowIPLiterals && isIPLiteral(name) {
		return false
	}
	for _, pattern := range acl.Deny {
		if aclGlobMatch(pattern, name) {
			return false
		}
	}
	if len(acl.Allow) == 0 {
		return true
	}
	for _, pattern := range acl.Allow {
		if aclGlobMatch(pattern, name) {
			return true
		}
	}
	return false
}

func isIPLiteral(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return net.ParseIP(host) != nil
}

// aclGlobMatch implements the server_acl pattern language: "*" matches
// any run of characters, "?" matches exactly one, everything else is
// literal. Matching is case-insensitive, the way server names are
// compared elsewhere in federation.
func aclGlobMatch(pattern, name string) bool {
	re, err := globToRegexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(strings.ToLower(name))
}

func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(strings.ToLower(b.String()))
}
