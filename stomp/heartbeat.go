// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stomp

import (
	"fmt"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// heartbeatHeader formats the CONNECT heart-beat header: what we can send,
// then what we want to receive.
func heartbeatHeader(outgoing, incoming time.Duration) string {
	return fmt.Sprintf("%d,%d", outgoing.Milliseconds(), incoming.Milliseconds())
}

// negotiateHeartbeat applies the STOMP rules: a direction is disabled when
// either side sends 0, otherwise the larger of the two values wins.
func negotiateHeartbeat(outgoing, incoming time.Duration, connected string) (send, expect time.Duration) {
	if connected == "" {
		return 0, 0
	}
	sx, sy, err := frame.ParseHeartBeat(connected)
	if err != nil {
		return 0, 0
	}
	if outgoing > 0 && sy > 0 {
		send = max(outgoing, sy)
	}
	if incoming > 0 && sx > 0 {
		expect = max(incoming, sx)
	}
	return send, expect
}

func (s *session) startHeartbeat(send, expect time.Duration) {
	if send > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(send)
			defer ticker.Stop()
			for {
				select {
				case <-s.stop:
					return
				case <-ticker.C:
					if err := s.conn.WriteHeartBeat(); err != nil {
						return
					}
				}
			}
		}()
	}

	if expect > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(expect)
			defer ticker.Stop()
			for {
				select {
				case <-s.stop:
					return
				case now := <-ticker.C:
					last := time.Unix(0, s.lastRead.Load())
					if now.Sub(last) > 2*expect {
						s.heartbeatLost.Store(true)
						s.conn.Close()
						return
					}
				}
			}
		}()
	}
}
