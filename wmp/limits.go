package wmp

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RangeLimit is the cached allowed range of one feature as reported by the
// device. Disabled marks features the device answered with an empty list;
// for the setpoint feature Values holds a (min,max) pair in fixed-point
// units, for everything else a set of discrete tokens.
type RangeLimit struct {
	Disabled bool
	Values   []string
}

// Contains reports whether v is one of the allowed discrete values.
func (r RangeLimit) Contains(v string) bool {
	return stringIn(r.Values, v)
}

// TempRange returns the numeric bounds of a setpoint limit pair. The stored
// order of the pair is not trusted; min/max are computed.
func (r RangeLimit) TempRange() (min, max float64, err error) {
	if len(r.Values) < 2 {
		return 0, 0, fmt.Errorf("limit pair has %d values", len(r.Values))
	}
	a, err := strconv.ParseFloat(r.Values[0], 64)
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.ParseFloat(r.Values[1], 64)
	if err != nil {
		return 0, 0, err
	}
	return math.Min(a, b), math.Max(a, b), nil
}

// warmLimits queries the allowed range of every limited feature, one
// query at a time, each bounded by the command timeout. Individual
// failures leave that feature without a cached entry and do not abort the
// sequence. Runs once per session before it is promoted to steady state.
func (c *Client) warmLimits() {
	limits := make(map[string]RangeLimit)
	for _, feature := range LimitedRanges {
		resp, err := c.request(EncodeLimitsQuery(feature), CommandTimeout)
		if err != nil {
			c.log.Errorf("limits query for %s failed: %v", feature, err)
			continue
		}
		if resp.Type != MsgLimits {
			c.log.Errorf("unexpected %s response to limits query for %s", resp.Type, feature)
			continue
		}
		if len(resp.Values) == 0 {
			// empty limits mean the feature cannot be controlled through
			// this gateway
			c.log.Infof("got empty limits for %s, disabling feature", feature)
			limits[feature] = RangeLimit{Disabled: true}
			continue
		}
		c.log.Infof("got limits for %s: %s", feature, strings.Join(resp.Values, ","))
		limits[feature] = RangeLimit{Values: resp.Values}
	}
	c.mu.Lock()
	c.limits = limits
	c.mu.Unlock()
}

// limit returns the cached range for feature. Features that never produced
// a limits response are reported as disabled.
func (c *Client) limit(feature string) RangeLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limits[feature]
	if !ok {
		return RangeLimit{Disabled: true}
	}
	return l
}

// checkSetpointValue validates a decimal degree value against the cached
// setpoint range and converts it to the wire's fixed-point form.
func (c *Client) checkSetpointValue(value string) (string, error) {
	deg, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return "", fmt.Errorf("setpoint %q is not numeric", value)
	}
	fixed := math.Round(deg * 10)

	l := c.limit(FeatSetpoint)
	if l.Disabled {
		return "", fmt.Errorf("feature %s is disabled on this device", FeatSetpoint)
	}
	min, max, err := l.TempRange()
	if err != nil {
		return "", fmt.Errorf("bad cached setpoint limits: %w", err)
	}
	if fixed < min || fixed > max {
		return "", fmt.Errorf("setpoint %s out of range, allowed between %s and %s",
			value, formatTemp(min/10), formatTemp(max/10))
	}
	return strconv.Itoa(int(fixed)), nil
}

// checkDiscreteValue validates a SET value against the cached allowed set
// of a non-temperature feature.
func (c *Client) checkDiscreteValue(feature, value string) error {
	l := c.limit(feature)
	if l.Disabled {
		return fmt.Errorf("feature %s is disabled on this device", feature)
	}
	if !l.Contains(value) {
		return fmt.Errorf("value %s not allowed for %s, allowed values are %s",
			value, feature, strings.Join(l.Values, ","))
	}
	return nil
}

// checkNewLimits validates a LIMITS-set request against the absolute
// device-independent bounds and returns the values in wire form (setpoint
// bounds converted to fixed-point).
func (c *Client) checkNewLimits(feature string, values []string) ([]string, error) {
	if feature == FeatSetpoint {
		if len(values) != 2 {
			return nil, fmt.Errorf("setpoint limits need a (min,max) pair, got %d values", len(values))
		}
		abs := RangeLimit{Values: AbsoluteLimits[FeatSetpoint]}
		absMin, absMax, err := abs.TempRange()
		if err != nil {
			return nil, err
		}
		wire := make([]string, 2)
		for i, v := range values {
			deg, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("setpoint limit %q is not numeric", v)
			}
			fixed := math.Round(deg * 10)
			if fixed < absMin || fixed > absMax {
				return nil, fmt.Errorf("setpoint limit %s outside of absolute bounds %s..%s",
					v, formatTemp(absMin/10), formatTemp(absMax/10))
			}
			wire[i] = strconv.Itoa(int(fixed))
		}
		return wire, nil
	}

	if c.limit(feature).Disabled {
		return nil, fmt.Errorf("cannot set limits for disabled feature %s", feature)
	}
	abs := AbsoluteLimits[feature]
	for _, v := range values {
		if !stringIn(abs, v) {
			return nil, fmt.Errorf("limit value %s not allowed for %s, allowed options are %s",
				v, feature, strings.Join(abs, ","))
		}
	}
	return values, nil
}
