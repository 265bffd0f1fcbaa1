package wmp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Codec reassembles raw socket chunks into complete protocol lines. It
// performs no I/O and keeps no state beyond the partial trailing line.
type Codec struct {
	buf []byte
}

// Feed appends a chunk and returns every complete line it now holds, with
// terminators stripped and empty lines dropped. A partial trailing line is
// kept for the next chunk.
func (c *Codec) Feed(chunk []byte) []string {
	c.buf = append(c.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(c.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(c.buf[:i]), "\r")
		c.buf = c.buf[i+1:]
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(c.buf) == 0 {
		c.buf = nil
	}
	return lines
}

// ParseLine decodes a single protocol line into a Message.
//
// The head (before the first colon) is TYPE or TYPE,unit. ACK and ERR have
// no body. ID decodes 6 identity fields, or 9 in the extended form. LIMITS
// decodes feature,[v1,v2,...]. Anything else is treated as a feature/value
// notification; temperature features are converted from fixed-point
// (value x10) on this path only.
func ParseLine(line string) (Message, error) {
	head, body, hasBody := strings.Cut(line, ":")

	msg := Message{}
	typ, unitStr, hasUnit := strings.Cut(head, ",")
	if typ == "" {
		return Message{}, fmt.Errorf("empty message type in %q", line)
	}
	msg.Type = typ
	if hasUnit {
		unit, err := strconv.Atoi(unitStr)
		if err != nil {
			return Message{}, fmt.Errorf("bad unit number in %q: %w", line, err)
		}
		msg.Unit = unit
	}

	switch typ {
	case MsgAck, MsgErr:
		// no body fields

	case MsgID:
		parts := strings.Split(body, ",")
		if len(parts) < 6 {
			return Message{}, fmt.Errorf("ID message with %d fields in %q", len(parts), line)
		}
		id := &Identity{
			Model:    parts[0],
			MAC:      parts[1],
			IP:       parts[2],
			Protocol: parts[3],
			Version:  parts[4],
			RSSI:     parts[5],
		}
		if len(parts) == 9 {
			// extended form: gateway name, an undocumented field, platform
			id.GatewayName = parts[6]
			id.Platform = parts[8]
		}
		msg.Identity = id

	case MsgInfo:
		// free form, possibly one of several lines; the session batches
		// consecutive INFO lines from one chunk into a single response
		msg.Info = []string{body}

	case MsgLimits:
		open := strings.IndexByte(body, '[')
		if open < 0 || !strings.HasSuffix(body, "]") {
			return Message{}, fmt.Errorf("malformed LIMITS body in %q", line)
		}
		msg.Feature = strings.TrimSuffix(body[:open], ",")
		if inner := body[open+1 : len(body)-1]; inner != "" {
			msg.Values = strings.Split(inner, ",")
		}

	default:
		if !hasBody {
			return Message{}, fmt.Errorf("missing body in %q", line)
		}
		feature, value, _ := strings.Cut(body, ",")
		msg.Feature = feature
		msg.Value = value
		if msg.Type == MsgChange && temperatureFeature(feature) {
			raw, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Message{}, fmt.Errorf("bad temperature value in %q: %w", line, err)
			}
			msg.Value = formatTemp(raw / 10)
		}
	}

	return msg, nil
}

// formatTemp renders a decoded temperature without a trailing zero
// fraction: 21.5 stays "21.5", 21.0 becomes "21".
func formatTemp(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Command encoders. None of these append the line terminator; the session
// writer adds the trailing \n.

// EncodeGet encodes a unit-qualified GET of one feature.
func EncodeGet(unit int, feature string) string {
	return fmt.Sprintf("%s,%d:%s", MsgGet, unit, feature)
}

// EncodeSet encodes a unit-qualified SET of one feature to a wire value.
func EncodeSet(unit int, feature, value string) string {
	return fmt.Sprintf("%s,%d:%s,%s", MsgSet, unit, feature, value)
}

// EncodeLimitsQuery encodes a query for a feature's allowed range.
func EncodeLimitsQuery(feature string) string {
	return MsgLimits + ":" + feature
}

// EncodeLimitsSet encodes a change of a feature's allowed range.
func EncodeLimitsSet(feature string, values []string) string {
	return MsgLimits + ":" + feature + ",[" + strings.Join(values, ",") + "]"
}
