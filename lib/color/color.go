// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package color provides ANSI terminal coloring for log output.
package color

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	escape = "\033["
	clear  = escape + "0m"
)

// ColorCode is an ANSI foreground color code.
type ColorCode int

const (
	BlackFg   ColorCode = 30
	RedFg     ColorCode = 31
	GreenFg   ColorCode = 32
	YellowFg  ColorCode = 33
	MagentaFg ColorCode = 35
	CyanFg    ColorCode = 36
	WhiteFg   ColorCode = 37
	DefaultFg ColorCode = 39
)

// EnableColor selects the coloring policy.
type EnableColor int

const (
	ColorNever EnableColor = iota
	ColorAuto
	ColorAlways
)

// Colorfn formats a string wrapped in a color escape.
type Colorfn func(format string, a ...interface{}) string

// Color colors strings per its construction policy.
type Color interface {
	Black(format string, a ...interface{}) string
	Red(format string, a ...interface{}) string
	Green(format string, a ...interface{}) string
	Yellow(format string, a ...interface{}) string
	Magenta(format string, a ...interface{}) string
	Cyan(format string, a ...interface{}) string
	White(format string, a ...interface{}) string
	DefaultColor(format string, a ...interface{}) string
	WithColor(code ColorCode, format string, a ...interface{}) string
	Enabled() bool
}

type color struct {
	enabled bool
}

// NewColor returns a Color with the given policy. ColorAuto enables color
// only when stdout is a terminal.
func NewColor(ec EnableColor) Color {
	enabled := false
	switch ec {
	case ColorAlways:
		enabled = true
	case ColorAuto:
		enabled = isTerminal(os.Stdout)
	}
	return color{enabled}
}

func isTerminal(f *os.File) bool {
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}

func (c color) Enabled() bool { return c.enabled }

func (c color) WithColor(code ColorCode, format string, a ...interface{}) string {
	s := fmt.Sprintf(format, a...)
	if !c.enabled || code == DefaultFg {
		return s
	}
	return fmt.Sprintf("%v%vm%v%v", escape, code, s, clear)
}

func (c color) Black(format string, a ...interface{}) string {
	return c.WithColor(BlackFg, format, a...)
}
func (c color) Red(format string, a ...interface{}) string {
	return c.WithColor(RedFg, format, a...)
}
func (c color) Green(format string, a ...interface{}) string {
	return c.WithColor(GreenFg, format, a...)
}
func (c color) Yellow(format string, a ...interface{}) string {
	return c.WithColor(YellowFg, format, a...)
}
func (c color) Magenta(format string, a ...interface{}) string {
	return c.WithColor(MagentaFg, format, a...)
}
func (c color) Cyan(format string, a ...interface{}) string {
	return c.WithColor(CyanFg, format, a...)
}
func (c color) White(format string, a ...interface{}) string {
	return c.WithColor(WhiteFg, format, a...)
}
func (c color) DefaultColor(format string, a ...interface{}) string {
	return c.WithColor(DefaultFg, format, a...)
}
