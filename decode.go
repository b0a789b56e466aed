package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/kamilpajak/scopebridge/pkg/protocol"
	"github.com/spf13/cobra"
)

var (
	decodePrefixes []string
	decodeJSON     bool
)

var decodeCmd = &cobra.Command{
	Use:   "decode [file]",
	Short: "Show how captured test output decodes into scope events",
	Long: `Decode captured test output line by line and print the scope events found
in it. Lines that are not scope events are shown as TEXT; corrupt scope
lines are shown with the decode error.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().StringArrayVar(&decodePrefixes, "prefix", protocol.DefaultPrefixes, "Adapter prefix stripped before decoding (repeatable)")
	decodeCmd.Flags().BoolVar(&decodeJSON, "json", false, "Output one JSON object per line")
}

func runDecode(cmd *cobra.Command, args []string) error {
	in := cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
	}
	return decodeLines(in, cmd.OutOrStdout(), decodePrefixes, decodeJSON)
}

// decodedLine is the --json form of one input line.
type decodedLine struct {
	Line   int    `json:"line"`
	Kind   string `json:"kind"`
	ID     string `json:"id,omitempty"`
	Parent string `json:"parent,omitempty"`
	Name   string `json:"name,omitempty"`
	Level  string `json:"level,omitempty"`
	Status string `json:"status,omitempty"`
	Text   string `json:"text,omitempty"`
	File   string `json:"file,omitempty"`
	Error  string `json:"error,omitempty"`
}

func decodeLines(r io.Reader, w io.Writer, prefixes []string, asJSON bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(w)

	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		d := describeLine(n, line, prefixes)
		if asJSON {
			if err := enc.Encode(d); err != nil {
				return err
			}
			continue
		}
		printDecoded(w, d)
	}
	return sc.Err()
}

func describeLine(n int, line string, prefixes []string) decodedLine {
	ev, ok, err := protocol.Decode(protocol.StripPrefix(line, prefixes))
	if !ok {
		return decodedLine{Line: n, Kind: "TEXT", Text: line}
	}
	if err != nil {
		return decodedLine{Line: n, Kind: "ERROR", Error: err.Error(), Text: line}
	}

	switch e := ev.(type) {
	case protocol.Begin:
		return decodedLine{Line: n, Kind: "BEGIN", ID: e.ID, Parent: e.ParentID, Name: e.Name}
	case protocol.Log:
		d := decodedLine{Line: n, Kind: "LOG", Parent: e.ParentID, Level: string(e.Level), Text: e.Text}
		if e.Attach != nil {
			d.File = fmt.Sprintf("%s (%s, %d bytes)", e.Attach.FileName, e.Attach.MimeType, len(e.Attach.Data))
		}
		return d
	case protocol.End:
		return decodedLine{Line: n, Kind: "END", ID: e.ID, Status: string(e.Status)}
	}
	return decodedLine{Line: n, Kind: "TEXT", Text: line}
}

func printDecoded(w io.Writer, d decodedLine) {
	dim := color.New(color.FgHiBlack)
	_, _ = dim.Fprintf(w, "%4d ", d.Line)

	switch d.Kind {
	case "BEGIN":
		_, _ = color.New(color.FgCyan, color.Bold).Fprint(w, "BEGIN ")
		fmt.Fprintf(w, "%s %q", d.ID, d.Name)
		if d.Parent != "" {
			_, _ = dim.Fprintf(w, " in %s", d.Parent)
		}
	case "LOG":
		_, _ = color.New(color.FgBlue).Fprint(w, "LOG   ")
		fmt.Fprintf(w, "[%s] %s", d.Level, oneLine(d.Text))
		if d.File != "" {
			fmt.Fprintf(w, " +%s", d.File)
		}
		if d.Parent != "" {
			_, _ = dim.Fprintf(w, " in %s", d.Parent)
		}
	case "END":
		_, _ = color.New(color.FgCyan, color.Bold).Fprint(w, "END   ")
		fmt.Fprintf(w, "%s %s", d.ID, d.Status)
	case "ERROR":
		_, _ = color.New(color.FgRed).Fprint(w, "ERROR ")
		fmt.Fprint(w, d.Error)
	default:
		_, _ = dim.Fprint(w, "TEXT  ")
		fmt.Fprint(w, d.Text)
	}
	fmt.Fprintln(w)
}

func oneLine(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", `\n`), "\n", `\n`)
}

