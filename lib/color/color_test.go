// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package color

import (
	"fmt"
	"testing"
)

func TestColors(t *testing.T) {
	c := NewColor(ColorAlways)
	colorFns := []Colorfn{c.Black, c.Red, c.Green, c.Yellow, c.Magenta, c.Cyan, c.White, c.DefaultColor}
	colorCodes := []ColorCode{BlackFg, RedFg, GreenFg, YellowFg, MagentaFg, CyanFg, WhiteFg, DefaultFg}

	for i, code := range colorCodes {
		fn := colorFns[i]
		str := fmt.Sprintf("test string: %d", i)
		coloredStr := fn("test string: %d", i)
		withColorStr := c.WithColor(code, "test string: %d", i)
		expectedStr := fmt.Sprintf("%v%vm%v%v", escape, code, str, clear)
		if code == DefaultFg {
			expectedStr = str
		}
		if coloredStr != expectedStr {
			t.Fatalf("expected string %q, got %q", expectedStr, coloredStr)
		}
		if withColorStr != expectedStr {
			t.Fatalf("expected string %q, got %q", expectedStr, withColorStr)
		}
	}
}

func TestColorsDisabled(t *testing.T) {
	c := NewColor(ColorNever)
	colorFns := []Colorfn{c.Black, c.Red, c.Green, c.Yellow, c.Magenta, c.Cyan, c.White, c.DefaultColor}
	colorCodes := []ColorCode{BlackFg, RedFg, GreenFg, YellowFg, MagentaFg, CyanFg, WhiteFg, DefaultFg}

	for i, code := range colorCodes {
		fn := colorFns[i]
		str := fmt.Sprintf("test string: %d", i)
		if got := fn("test string: %d", i); got != str {
			t.Fatalf("expected string %q, got %q", str, got)
		}
		if got := c.WithColor(code, "test string: %d", i); got != str {
			t.Fatalf("expected string %q, got %q", str, got)
		}
	}
}
