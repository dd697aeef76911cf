package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want directive
	}{
		{"#include \"a.h\"\n", directive{kind: include, path: "a.h"}},
		{"  #include\t\"sub/b.h\"  // trailing\n", directive{kind: include, path: "sub/b.h"}},
		{"#include <stdio.h>\r\n", directive{kind: include, path: "stdio.h"}},
		{"#include\n", directive{kind: verbatim}},
		{"#include MACRO_HEADER\n", directive{kind: verbatim}},
		{"#include \"\"\n", directive{kind: verbatim}},
		{"#include\"glued.h\"\n", directive{kind: verbatim}},
		{"# include \"spaced.h\"\n", directive{kind: verbatim}},
		{"#pragma once\n", directive{kind: pragmaOnce}},
		{"#pragma   once", directive{kind: pragmaOnce}},
		{"#pragma pack(1)\n", directive{kind: verbatim}},
		{"#pragma\n", directive{kind: verbatim}},
		{"\n", directive{kind: verbatim}},
		{"int x; // #include \"a.h\"\n", directive{kind: verbatim}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLine([]byte(tt.line)), "parseLine(%q)", tt.line)
	}
}

func TestNextLine(t *testing.T) {
	line, rest := nextLine([]byte("a\r\nb"))
	assert.Equal(t, "a\r\n", string(line))
	assert.Equal(t, "b", string(rest))

	line, rest = nextLine(rest)
	assert.Equal(t, "b", string(line))
	assert.Nil(t, rest)
}
