// mocktarget is a toy instrumented target. Every input byte marks the block
// of the same number, and inputs starting with "CRSH" die by signal.
package main

import (
	"blockfuzz/internal/coverage"
	"bytes"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
)

const (
	totalBlocks = 651
	bitmapSize  = 0x60
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: mocktarget <input>")
		os.Exit(2)
	}
	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	sample := coverage.NewMap(totalBlocks, bitmapSize)
	for _, b := range data {
		sample.Set(uint32(b))
	}
	if len(data) > 1 {
		// pairs reach the upper blocks
		sample.Set(256 + (uint32(data[0])+uint32(data[1]))%(totalBlocks-256))
	}
	if err := publish(sample); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if bytes.HasPrefix(data, []byte("CRSH")) {
		fmt.Fprintln(os.Stderr, "mocktarget: crashing on input of "+strconv.Itoa(len(data))+" bytes")
		debug.SetTraceback("crash")
		var p *int
		*p = 0
	}
}

// publish honours both coverage modes: the private segment when the fuzzer
// exported one, the legacy pid-derived key otherwise.
func publish(sample *coverage.Map) error {
	if os.Getenv(coverage.ShmIDEnv) != "" {
		return coverage.Publish(sample)
	}
	seg, err := coverage.OpenKeySegment(coverage.KeyForPID(os.Getpid()), coverage.RecordSize(bitmapSize), true)
	if err != nil {
		return err
	}
	defer seg.Detach()
	return sample.Encode(seg.Bytes())
}
