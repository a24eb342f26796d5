package testutil

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/minoru/kensaku/pkg/event"
)

// WSClient is a relay client for integration tests. It speaks just enough
// of the wire protocol to publish events and drive subscriptions.
type WSClient struct {
	conn *websocket.Conn
}

// Dial connects to a relay endpoint.
func Dial(url string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return &WSClient{conn: conn}, nil
}

func (c *WSClient) Close() error {
	return c.conn.Close()
}

// SendEvent publishes an event.
func (c *WSClient) SendEvent(evt *event.Event) error {
	return c.conn.WriteJSON([]interface{}{"EVENT", evt})
}

// SendReq opens a subscription with the given filters.
func (c *WSClient) SendReq(subID string, filters ...*event.Filter) error {
	msg := []interface{}{"REQ", subID}
	for _, f := range filters {
		msg = append(msg, f)
	}
	return c.conn.WriteJSON(msg)
}

// SendClose cancels a subscription.
func (c *WSClient) SendClose(subID string) error {
	return c.conn.WriteJSON([]interface{}{"CLOSE", subID})
}

// SendCount asks for a match count.
func (c *WSClient) SendCount(countID string, filters ...*event.Filter) error {
	msg := []interface{}{"COUNT", countID}
	for _, f := range filters {
		msg = append(msg, f)
	}
	return c.conn.WriteJSON(msg)
}

// SendRaw writes an arbitrary payload, for malformed-input tests.
func (c *WSClient) SendRaw(payload string) error {
	return c.conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// readMessage reads one protocol message, leaving elements past the type
// as raw JSON for the caller to decode.
func (c *WSClient) readMessage() (string, []json.RawMessage, error) {
	var msg []json.RawMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return "", nil, err
	}
	if len(msg) == 0 {
		return "", nil, fmt.Errorf("empty message")
	}
	var msgType string
	if err := json.Unmarshal(msg[0], &msgType); err != nil {
		return "", nil, err
	}
	return msgType, msg[1:], nil
}

func (c *WSClient) withDeadline(timeout time.Duration, fn func() error) error {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	return fn()
}

// ExpectOK waits for the OK acknowledging the given event id.
func (c *WSClient) ExpectOK(eventID string, timeout time.Duration) (accepted bool, message string, err error) {
	err = c.withDeadline(timeout, func() error {
		for {
			msgType, rest, err := c.readMessage()
			if err != nil {
				return err
			}
			if msgType != "OK" || len(rest) < 2 {
				continue
			}
			var id string
			if err := json.Unmarshal(rest[0], &id); err != nil || id != eventID {
				continue
			}
			if err := json.Unmarshal(rest[1], &accepted); err != nil {
				return fmt.Errorf("malformed OK: %w", err)
			}
			if len(rest) > 2 {
				json.Unmarshal(rest[2], &message)
			}
			return nil
		}
	})
	return accepted, message, err
}

// ExpectEvent waits for the next EVENT on the given subscription.
func (c *WSClient) ExpectEvent(subID string, timeout time.Duration) (*event.Event, error) {
	var evt *event.Event
	err := c.withDeadline(timeout, func() error {
		for {
			msgType, rest, err := c.readMessage()
			if err != nil {
				return err
			}
			if msgType != "EVENT" || len(rest) < 2 {
				continue
			}
			var id string
			if err := json.Unmarshal(rest[0], &id); err != nil || id != subID {
				continue
			}
			evt = &event.Event{}
			return json.Unmarshal(rest[1], evt)
		}
	})
	return evt, err
}

// ExpectEOSE waits for end-of-stored-events on the given subscription.
func (c *WSClient) ExpectEOSE(subID string, timeout time.Duration) error {
	return c.withDeadline(timeout, func() error {
		for {
			msgType, rest, err := c.readMessage()
			if err != nil {
				return err
			}
			if msgType != "EOSE" || len(rest) < 1 {
				continue
			}
			var id string
			if err := json.Unmarshal(rest[0], &id); err == nil && id == subID {
				return nil
			}
		}
	})
}

// CollectEvents reads EVENT messages for the subscription until its EOSE
// arrives and returns them in delivery order.
func (c *WSClient) CollectEvents(subID string, timeout time.Duration) ([]*event.Event, error) {
	var events []*event.Event
	err := c.withDeadline(timeout, func() error {
		for {
			msgType, rest, err := c.readMessage()
			if err != nil {
				return err
			}
			switch msgType {
			case "EVENT":
				if len(rest) < 2 {
					continue
				}
				var id string
				if err := json.Unmarshal(rest[0], &id); err != nil || id != subID {
					continue
				}
				evt := &event.Event{}
				if err := json.Unmarshal(rest[1], evt); err != nil {
					return err
				}
				events = append(events, evt)
			case "EOSE":
				if len(rest) < 1 {
					continue
				}
				var id string
				if err := json.Unmarshal(rest[0], &id); err == nil && id == subID {
					return nil
				}
			}
		}
	})
	return events, err
}

// ExpectClosed waits for a CLOSED message for the subscription and returns
// its reason.
func (c *WSClient) ExpectClosed(subID string, timeout time.Duration) (string, error) {
	var reason string
	err := c.withDeadline(timeout, func() error {
		for {
			msgType, rest, err := c.readMessage()
			if err != nil {
				return err
			}
			if msgType != "CLOSED" || len(rest) < 2 {
				continue
			}
			var id string
			if err := json.Unmarshal(rest[0], &id); err != nil || id != subID {
				continue
			}
			return json.Unmarshal(rest[1], &reason)
		}
	})
	return reason, err
}

// ExpectCount waits for a COUNT result.
func (c *WSClient) ExpectCount(countID string, timeout time.Duration) (int, error) {
	var count int
	err := c.withDeadline(timeout, func() error {
		for {
			msgType, rest, err := c.readMessage()
			if err != nil {
				return err
			}
			if msgType != "COUNT" || len(rest) < 2 {
				continue
			}
			var id string
			if err := json.Unmarshal(rest[0], &id); err != nil || id != countID {
				continue
			}
			var payload struct {
				Count int `json:"count"`
			}
			if err := json.Unmarshal(rest[1], &payload); err != nil {
				return err
			}
			count = payload.Count
			return nil
		}
	})
	return count, err
}

// ExpectNotice waits for the next NOTICE and returns its text.
func (c *WSClient) ExpectNotice(timeout time.Duration) (string, error) {
	var notice string
	err := c.withDeadline(timeout, func() error {
		for {
			msgType, rest, err := c.readMessage()
			if err != nil {
				return err
			}
			if msgType != "NOTICE" || len(rest) < 1 {
				continue
			}
			return json.Unmarshal(rest[0], &notice)
		}
	})
	return notice, err
}
