package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/agentic-research/lodestone/internal/decode"
	"github.com/agentic-research/lodestone/internal/match"
	"github.com/agentic-research/lodestone/internal/scan"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var scanOpts struct {
	needles    []string
	guids      []uint64
	fold       bool
	bigEndian  bool
	width      int
	layout     string
	layouts    string
	jsonLines  bool
	maxOffsets int
	chunkSize  int
}

func init() {
	f := scanCmd.Flags()
	f.StringArrayVarP(&scanOpts.needles, "needle", "n", nil, "ASCII needle, repeatable")
	f.Uint64SliceVarP(&scanOpts.guids, "guid", "g", nil, "Numeric literal, repeatable")
	f.BoolVar(&scanOpts.fold, "ci", false, "Match ASCII needles case-insensitively")
	f.BoolVar(&scanOpts.bigEndian, "be", false, "Encode numeric literals big-endian")
	f.IntVar(&scanOpts.width, "width", 8, "Byte width of numeric literals (2, 4 or 8)")
	f.StringVar(&scanOpts.layout, "layout", "", "Decode every anchor of this layout and print the raw fields")
	f.StringVar(&scanOpts.layouts, "layouts", "", "HCL file with extra record layouts")
	f.BoolVar(&scanOpts.jsonLines, "json", false, "Print JSON lines")
	f.IntVar(&scanOpts.maxOffsets, "max-offsets", 8, "Offsets printed per needle")
	f.IntVar(&scanOpts.chunkSize, "chunk-size", scan.DefaultChunkSize, "Scan chunk size in bytes")
	rootCmd.AddCommand(scanCmd)
}

// scanCmd is the ad hoc probe used to verify markers and layouts by hand.
var scanCmd = &cobra.Command{
	Use:   "scan [file...]",
	Short: "Count needle and literal hits in files, optionally decoding a layout",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var needles []match.Needle
		for _, s := range scanOpts.needles {
			needles = append(needles, match.Needle{ID: s, Pattern: []byte(s), CaseInsensitive: scanOpts.fold})
		}
		var rules []match.NumericRule
		if len(scanOpts.guids) > 0 {
			rules = append(rules, match.NumericRule{Prefix: "guid:", Width: scanOpts.width, BigEndian: scanOpts.bigEndian, Values: scanOpts.guids})
		}

		var (
			table  decode.Table
			layout decode.Layout
		)
		if scanOpts.layout != "" {
			var err error
			if table, err = decode.LoadTable(scanOpts.layouts); err != nil {
				return err
			}
			l, ok := table[scanOpts.layout]
			if !ok {
				return fmt.Errorf("%w: %q", decode.ErrUnknownAnchor, scanOpts.layout)
			}
			layout = l
			needles = append(needles, match.Needle{ID: "layout:" + l.Name, Pattern: []byte(l.Anchor)})
		}
		if len(needles) == 0 && len(rules) == 0 {
			return fmt.Errorf("nothing to scan for: pass --needle, --guid or --layout")
		}

		m, err := match.New(needles, rules...)
		if err != nil {
			return err
		}
		s := scan.New(scanOpts.chunkSize, max(scan.DefaultOverlap, m.MaxLen()))
		host := osfs.New("/")
		out := cmd.OutOrStdout()

		for _, arg := range args {
			path, err := filepath.Abs(arg)
			if err != nil {
				return err
			}
			hits, size, err := m.ScanFile(cmd.Context(), s, host, path, 0)
			if err != nil {
				logger.Warn("scan failed", zap.String("file", arg), zap.Error(err))
				continue
			}
			if err := printHits(out, arg, size, m, hits); err != nil {
				return err
			}
			if scanOpts.layout == "" {
				continue
			}
			var anchors []uint64
			hits.Each(func(i int, offsets []uint64) {
				if m.Needles()[i].ID == "layout:"+layout.Name {
					anchors = offsets
				}
			})
			if err := printRecords(out, host, path, arg, table, layout.Name, anchors); err != nil {
				logger.Warn("decode failed", zap.String("file", arg), zap.Error(err))
			}
		}
		return nil
	},
}

type hitLine struct {
	File    string   `json:"file"`
	Size    int64    `json:"size"`
	Needle  string   `json:"needle"`
	Count   uint64   `json:"count"`
	Offsets []uint64 `json:"offsets"`
}

func printHits(w io.Writer, file string, size int64, m *match.Matcher, hits *match.HitSet) error {
	enc := json.NewEncoder(w)
	for i, n := range m.Needles() {
		offsets := hits.Offsets(i)
		line := hitLine{File: file, Size: size, Needle: n.ID, Count: uint64(len(offsets))}
		line.Offsets = offsets[:min(len(offsets), scanOpts.maxOffsets)]
		if scanOpts.jsonLines {
			if err := enc.Encode(line); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\t%d\t%v\n", file, line.Needle, line.Count, line.Offsets); err != nil {
			return err
		}
	}
	return nil
}

type recordLine struct {
	File   string            `json:"file"`
	Layout string            `json:"layout"`
	Offset uint64            `json:"offset"`
	Fields map[string]string `json:"fields"`
}

// printRecords decodes each anchor with every entity reference accepted, so
// the raw values can be checked against the catalog by hand.
func printRecords(w io.Writer, fsys billy.Filesystem, path, file string, table decode.Table, name string, anchors []uint64) error {
	f, err := scan.Open(fsys, path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }() // safe to ignore

	d := decode.NewDecoder(table, func(uint64) bool { return true })
	enc := json.NewEncoder(w)
	for _, off := range anchors {
		rec, _, err := d.Decode(f, file, name, off)
		if err != nil {
			return err
		}
		line := recordLine{File: file, Layout: name, Offset: off, Fields: map[string]string{}}
		for _, fld := range table[name].Fields {
			line.Fields[fld.Name] = rec.Fields[fld.Name].String()
		}
		if scanOpts.jsonLines {
			if err := enc.Encode(line); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\t%s@%d", file, name, off); err != nil {
			return err
		}
		for _, fld := range table[name].Fields {
			if _, err := fmt.Fprintf(w, "\t%s=%s", fld.Name, line.Fields[fld.Name]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}
