package wmp

import (
	"reflect"
	"testing"
)

func TestTempRange(t *testing.T) {
	tests := []struct {
		name     string
		values   []string
		min, max float64
		wantErr  bool
	}{
		{name: "ordered pair", values: []string{"180", "300"}, min: 180, max: 300},
		{name: "reversed pair", values: []string{"300", "180"}, min: 180, max: 300},
		{name: "single value", values: []string{"180"}, wantErr: true},
		{name: "non numeric", values: []string{"cold", "hot"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			min, max, err := RangeLimit{Values: tt.values}.TempRange()
			if tt.wantErr {
				if err == nil {
					t.Fatal("want error, got none")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if min != tt.min || max != tt.max {
				t.Errorf("TempRange = (%v, %v), want (%v, %v)", min, max, tt.min, tt.max)
			}
		})
	}
}

func TestCheckSetpointValue(t *testing.T) {
	tests := []struct {
		name    string
		limits  RangeLimit
		value   string
		want    string
		wantErr bool
	}{
		{name: "in range", limits: RangeLimit{Values: []string{"180", "300"}}, value: "21.5", want: "215"},
		{name: "reversed limit pair still accepts", limits: RangeLimit{Values: []string{"300", "180"}}, value: "21.5", want: "215"},
		{name: "at lower bound", limits: RangeLimit{Values: []string{"180", "300"}}, value: "18", want: "180"},
		{name: "at upper bound", limits: RangeLimit{Values: []string{"180", "300"}}, value: "30", want: "300"},
		{name: "below range", limits: RangeLimit{Values: []string{"180", "300"}}, value: "17.5", wantErr: true},
		{name: "above range", limits: RangeLimit{Values: []string{"180", "300"}}, value: "35", wantErr: true},
		{name: "not numeric", limits: RangeLimit{Values: []string{"180", "300"}}, value: "warm", wantErr: true},
		{name: "disabled feature", limits: RangeLimit{Disabled: true}, value: "21.5", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{limits: map[string]RangeLimit{FeatSetpoint: tt.limits}}
			got, err := c.checkSetpointValue(tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("checkSetpointValue(%q) succeeded with %q, want error", tt.value, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("checkSetpointValue(%q) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func TestCheckDiscreteValue(t *testing.T) {
	c := &Client{limits: map[string]RangeLimit{
		FeatMode:     {Values: []string{ValHeat, ValCool}},
		FeatFanSpeed: {Disabled: true},
	}}

	if err := c.checkDiscreteValue(FeatMode, ValCool); err != nil {
		t.Errorf("allowed value rejected: %v", err)
	}
	if err := c.checkDiscreteValue(FeatMode, ValDry); err == nil {
		t.Error("value outside device range accepted")
	}
	if err := c.checkDiscreteValue(FeatFanSpeed, "3"); err == nil {
		t.Error("disabled feature accepted")
	}
	// feature the device never answered limits for
	if err := c.checkDiscreteValue(FeatVaneUD, "SWING"); err == nil {
		t.Error("feature without cached limits accepted")
	}
}

func TestCheckNewLimits(t *testing.T) {
	c := &Client{limits: map[string]RangeLimit{
		FeatMode:     {Values: []string{ValAuto, ValHeat, ValDry, ValFan, ValCool}},
		FeatFanSpeed: {Disabled: true},
	}}

	t.Run("setpoint pair converted to fixed point", func(t *testing.T) {
		wire, err := c.checkNewLimits(FeatSetpoint, []string{"18", "30"})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(wire, []string{"180", "300"}) {
			t.Errorf("wire values = %v", wire)
		}
	})

	t.Run("setpoint outside absolute bounds", func(t *testing.T) {
		if _, err := c.checkNewLimits(FeatSetpoint, []string{"10", "30"}); err == nil {
			t.Error("bound below absolute minimum accepted")
		}
		if _, err := c.checkNewLimits(FeatSetpoint, []string{"18", "40"}); err == nil {
			t.Error("bound above absolute maximum accepted")
		}
	})

	t.Run("setpoint needs a pair", func(t *testing.T) {
		if _, err := c.checkNewLimits(FeatSetpoint, []string{"20"}); err == nil {
			t.Error("single bound accepted")
		}
	})

	t.Run("discrete subset accepted", func(t *testing.T) {
		wire, err := c.checkNewLimits(FeatMode, []string{ValHeat, ValCool})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(wire, []string{ValHeat, ValCool}) {
			t.Errorf("wire values = %v", wire)
		}
	})

	t.Run("discrete value outside absolute set", func(t *testing.T) {
		if _, err := c.checkNewLimits(FeatMode, []string{"TURBO"}); err == nil {
			t.Error("unknown mode accepted")
		}
	})

	t.Run("disabled feature rejected", func(t *testing.T) {
		if _, err := c.checkNewLimits(FeatFanSpeed, []string{"1", "2"}); err == nil {
			t.Error("limits change on disabled feature accepted")
		}
	})
}
