package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sarchlab/metsim/timing/cache"
	"github.com/sarchlab/metsim/timing/metcache"
)

// Op is the kind of one trace request.
type Op int

// Trace operations.
const (
	OpRead Op = iota
	OpWrite
	OpSecureRead
	OpSecureWrite
)

var opNames = map[string]Op{
	"R":  OpRead,
	"W":  OpWrite,
	"SR": OpSecureRead,
	"SW": OpSecureWrite,
}

func (o Op) String() string {
	for name, op := range opNames {
		if op == o {
			return name
		}
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// TraceEntry is one line of a request trace.
type TraceEntry struct {
	Op   Op
	Addr uint64
	// Data is the value stored by an ordinary write.
	Data uint64
}

// ParseTrace reads one request per line: an operation (R, W, SR or SW)
// followed by an address, and for W an optional value. Blank lines and
// lines starting with # are ignored.
func ParseTrace(r io.Reader) ([]TraceEntry, error) {
	var entries []TraceEntry

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		op, ok := opNames[strings.ToUpper(fields[0])]
		if !ok {
			return nil, fmt.Errorf("line %d: unknown operation %q", lineNo, fields[0])
		}
		if len(fields) < 2 || len(fields) > 3 || (len(fields) == 3 && op != OpWrite) {
			return nil, fmt.Errorf("line %d: malformed request %q", lineNo, line)
		}

		entry := TraceEntry{Op: op}
		var err error
		entry.Addr, err = strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad address: %w", lineNo, err)
		}
		if len(fields) == 3 {
			entry.Data, err = strconv.ParseUint(fields[2], 0, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad value: %w", lineNo, err)
			}
		}

		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}

	return entries, nil
}

// maxRetries bounds how often one refused request is resubmitted.
const maxRetries = 16

// Replay issues every entry to ctrl in order, resubmitting requests that
// are refused, and writes one line per request to out.
func Replay(ctrl *metcache.Controller, entries []TraceEntry, out io.Writer) error {
	for i, e := range entries {
		var (
			line string
			err  error
		)
		for attempt := 0; attempt <= maxRetries; attempt++ {
			line, err = issue(ctrl, e)
			if !errors.Is(err, cache.ErrBackpressure) &&
				!errors.Is(err, cache.ErrDependencyConflict) {
				break
			}
		}
		if err != nil {
			return fmt.Errorf("request %d (%s 0x%x): %w", i, e.Op, e.Addr, err)
		}
		fmt.Fprintf(out, "%-2s 0x%010x %s\n", e.Op, e.Addr, line)
	}
	return nil
}

func issue(ctrl *metcache.Controller, e TraceEntry) (string, error) {
	switch e.Op {
	case OpRead, OpWrite, OpSecureWrite:
		var (
			result cache.AccessResult
			err    error
		)
		switch e.Op {
		case OpRead:
			result, err = ctrl.Ordinary().Read(e.Addr, 8)
		case OpWrite:
			result, err = ctrl.Ordinary().Write(e.Addr, 8, e.Data)
		default:
			result, err = ctrl.Secure().Write(e.Addr)
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("hit=%t latency=%d", result.Hit, result.Latency), nil

	case OpSecureRead:
		result, err := ctrl.Secure().Read(e.Addr)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("hit=%t latency=%d steps=%d",
			result.Hit, result.Latency, len(result.Visited)), nil
	}
	return "", fmt.Errorf("unknown operation %s", e.Op)
}
