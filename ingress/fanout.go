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

package ingress

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/matrixcore/event"
)

// writeTimeout bounds how long writePump waits writing one message to a
// subscriber before dropping that connection.
const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// fanoutMessage is the wire shape pushed to subscribers: the bare event
// JSON alongside the room id, so a subscriber can filter without parsing
// every event it isn't interested in.
type fanoutMessage struct {
	RoomID string          `json:"room_id"`
	Event  json.RawMessage `json:"event"`
}

// Fanout is the step-7 subscriber hub (spec.md §4.7 step 7: "Fan-out
// non-soft-failed events to subscribers (WebSockets / sync queue)"). Each
// connected client receives every accepted, non-soft-failed event as it
// is committed.
type Fanout struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// NewFanout constructs an empty hub.
func NewFanout() *Fanout {
	return &Fanout{subscribers: make(map[*subscriber]struct{})}
}

// ServeHTTP upgrades the connection to a websocket and registers it as a
// subscriber until the client disconnects.
func (f *Fanout) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("ingress: fanout upgrade failed")
		return
	}
	sub := &subscriber{conn: conn, send: make(chan []byte, 64)}

	f.mu.Lock()
	f.subscribers[sub] = struct{}{}
	f.mu.Unlock()

	go f.writePump(sub)
	go f.readPump(sub)
}

// readPump only exists to notice the client going away; this hub never
// accepts client-sent messages.
func (f *Fanout) readPump(sub *subscriber) {
	defer f.remove(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Fanout) writePump(sub *subscriber) {
	defer sub.conn.Close()
	for msg := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (f *Fanout) remove(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscribers[sub]; ok {
		delete(f.subscribers, sub)
		close(sub.send)
	}
}

// Publish pushes ev to every currently-connected subscriber. A subscriber
// whose send buffer is full is dropped rather than allowed to stall the
// whole fan-out.
func (f *Fanout) Publish(ev *event.Event) {
	msg, err := json.Marshal(fanoutMessage{RoomID: ev.RoomID(), Event: json.RawMessage(ev.JSON())})
	if err != nil {
		logrus.WithError(err).Warn("ingress: fanout marshal failed")
		return
	}

	f.mu.RLock()
	var full []*subscriber
	for sub := range f.subscribers {
		select {
		case sub.send <- msg:
		default:
			full = append(full, sub)
		}
	}
	f.mu.RUnlock()
	for _, sub := range full {
		logrus.Warn("ingress: fanout subscriber buffer full, dropping")
		f.remove(sub)
	}
}

// Close disconnects every subscriber.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subscribers {
		close(sub.send)
		delete(f.subscribers, sub)
	}
}
