// Package corpus loads xz-compressed rule-set fixtures for tests and
// benchmarks, so a realistic rule corpus can ship as one small compressed
// file rather than megabytes of plain text (grounded on fs.go's xz
// decompression support in the teacher repo).
package corpus

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/therootcompany/xz"
)

// Rule is one line of a corpus fixture: a mask/key pair expressed as
// block=value pairs, plus an opaque action. Fixture format, one rule per
// line:
//
//	action mask_block=mask_value,... key_block=key_value,...
//
// Blank lines and lines starting with '#' are ignored.
type Rule struct {
	Action uint64
	Mask   map[int]uint64
	Key    map[int]uint64
}

// Load reads and parses an xz-compressed fixture at path. If the file
// does not exist, Load returns (nil, ErrNoFixture) so callers (tests and
// benchmarks) can skip gracefully instead of failing: large corpus
// fixtures are not checked into every environment this module runs in.
func Load(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoFixture
		}
		return nil, fmt.Errorf("corpus: open %s: %w", path, err)
	}
	defer f.Close()

	zr, err := xz.NewReader(f, xz.DefaultDictMax)
	if err != nil {
		return nil, fmt.Errorf("corpus: xz init %s: %w", path, err)
	}
	return parse(zr)
}

// ErrNoFixture is returned by Load when the named fixture file is absent.
var ErrNoFixture = fmt.Errorf("corpus: fixture not found")

func parse(r io.Reader) ([]Rule, error) {
	var rules []Rule
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("corpus: line %d: %w", lineNo, err)
		}
		rules = append(rules, rule)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("corpus: scan: %w", err)
	}
	return rules, nil
}

func parseLine(line string) (Rule, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Rule{}, fmt.Errorf("expected 3 space-separated fields, got %d", len(fields))
	}
	action, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Rule{}, fmt.Errorf("action: %w", err)
	}
	mask, err := parsePairs(fields[1])
	if err != nil {
		return Rule{}, fmt.Errorf("mask: %w", err)
	}
	key, err := parsePairs(fields[2])
	if err != nil {
		return Rule{}, fmt.Errorf("key: %w", err)
	}
	return Rule{Action: action, Mask: mask, Key: key}, nil
}

func parsePairs(s string) (map[int]uint64, error) {
	out := make(map[int]uint64)
	for _, pair := range strings.Split(s, ",") {
		block, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed pair %q", pair)
		}
		b, err := strconv.Atoi(block)
		if err != nil {
			return nil, fmt.Errorf("block %q: %w", block, err)
		}
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", value, err)
		}
		out[b] = v
	}
	return out, nil
}
