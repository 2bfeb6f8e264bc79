// Command dpclsdemo loads a rule corpus, installs it into a classifier,
// runs Optimize, and prints a diagnostic dump of the resulting
// subtables, optionally filtered by a glob over each subtable's mask
// description.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ueno/dpcls"
	"github.com/ueno/dpcls/flowkey"
	"github.com/ueno/dpcls/internal/corpus"
	"github.com/ueno/dpcls/internal/cpucap"
	"github.com/ueno/dpcls/miniflow"
)

func main() {
	corpusPath := flag.String("corpus", "", "path to an xz-compressed rule corpus fixture")
	filter := flag.String("filter", "**", "doublestar glob applied to each subtable's mask description")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if *corpusPath == "" {
		fmt.Fprintln(os.Stderr, "dpclsdemo: -corpus is required")
		os.Exit(2)
	}

	if err := run(*corpusPath, *filter); err != nil {
		fmt.Fprintln(os.Stderr, "dpclsdemo:", err)
		os.Exit(1)
	}
}

func run(corpusPath, filter string) error {
	rules, err := corpus.Load(corpusPath)
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}

	c := dpcls.New()
	for _, r := range rules {
		mask := flowkey.New(miniflow.Of(r.Mask))
		key := flowkey.New(miniflow.Of(r.Key))
		if _, err := c.Insert(mask, key, r.Action); err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}
	}

	fmt.Printf("installed %d rules across %d subtables\n", len(rules), c.SubtableCount())

	capability := cpucap.Detect()
	if err := c.Optimize(capability); err != nil {
		slog.Warn("optimize: capability fell back to generic", "capability", capability.String(), "err", err)
	}

	for st := range c.Subtables() {
		desc := maskDescription(st)
		matched, err := doublestar.Match(filter, desc)
		if err != nil {
			return fmt.Errorf("filter pattern: %w", err)
		}
		if !matched {
			continue
		}
		fmt.Printf("subtable %s: %d rules, %d hits\n", desc, st.Len(), st.HitCount())
	}
	return nil
}

func maskDescription(st *dpcls.Subtable) string {
	var blocks []int
	st.Mask.MF.Iter(st.Mask.MF.Map0, st.Mask.MF.Map1, func(block int, _ uint64) bool {
		blocks = append(blocks, block)
		return true
	})
	path := ""
	for _, b := range blocks {
		path += fmt.Sprintf("block%d/", b)
	}
	if path == "" {
		path = "empty/"
	}
	return path
}
