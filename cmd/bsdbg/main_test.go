package main

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseSinkFlushesFinalPartialLine(t *testing.T) {
	var out bytes.Buffer
	sink, flush := newResponseSink(2, &out)
	require.NotNil(t, sink)

	// Fewer bytes than a dump line; nothing reaches out until the flush.
	_, err := sink.Write([]byte{0xCA, 0xFE, 0x00, 0x42})
	require.NoError(t, err)

	flush()
	assert.Contains(t, out.String(), "ca fe 00 42")
}

func TestResponseSinkDisabledBelowVerbosity2(t *testing.T) {
	sink, flush := newResponseSink(1, io.Discard)
	assert.Nil(t, sink)
	flush()
}
