package fingerprint

import "bytes"

type directiveKind int

const (
	verbatim directiveKind = iota
	include
	pragmaOnce
)

// directive is one classified source line
type directive struct {
	kind directiveKind
	path string // include target, without delimiters
}

var (
	includeToken = []byte("#include")
	pragmaToken  = []byte("#pragma")
	onceToken    = []byte("once")
)

// parseLine classifies a line by its first whitespace-delimited token. Anything
// that isn't a well-formed `#include "x"`, `#include <x>` or `#pragma once` is
// verbatim text.
func parseLine(line []byte) directive {
	trimmed := bytes.TrimLeft(line, " \t\f\v")
	end := bytes.IndexAny(trimmed, " \t\f\v\r\n")
	if end < 0 {
		end = len(trimmed)
	}
	token, rest := trimmed[:end], bytes.TrimSpace(trimmed[end:])

	switch {
	case bytes.Equal(token, includeToken):
		if target, ok := includeTarget(rest); ok {
			return directive{kind: include, path: target}
		}
	case bytes.Equal(token, pragmaToken):
		if fields := bytes.Fields(rest); len(fields) > 0 && bytes.Equal(fields[0], onceToken) {
			return directive{kind: pragmaOnce}
		}
	}
	return directive{kind: verbatim}
}

// includeTarget extracts X from `"X"` or `<X>`
func includeTarget(operand []byte) (string, bool) {
	if len(operand) < 2 {
		return "", false
	}
	var closing byte
	switch operand[0] {
	case '"':
		closing = '"'
	case '<':
		closing = '>'
	default:
		return "", false
	}
	i := bytes.IndexByte(operand[1:], closing)
	if i <= 0 {
		return "", false
	}
	return string(operand[1 : 1+i]), true
}

// nextLine splits off the first line of buf, keeping its terminator
func nextLine(buf []byte) (line, rest []byte) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return buf, nil
	}
	return buf[:i+1], buf[i+1:]
}
