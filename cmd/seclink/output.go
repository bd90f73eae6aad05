package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/fatih/color"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/term"

	"github.com/srg/seclink/pkg/link"
)

// printer renders a transaction result as text or JSON.
type printer struct {
	w     io.Writer
	json  bool
	trace bool

	out     *color.Color
	in      *color.Color
	dropped *color.Color
}

func newPrinter(w io.Writer, asJSON, trace bool) *printer {
	p := &printer{
		w:       w,
		json:    asJSON,
		trace:   trace,
		out:     color.New(color.FgCyan),
		in:      color.New(color.FgGreen),
		dropped: color.New(color.FgRed, color.Bold),
	}
	if isTerminal(w) {
		for _, c := range []*color.Color{p.out, p.in, p.dropped} {
			c.EnableColor()
		}
	} else {
		for _, c := range []*color.Color{p.out, p.in, p.dropped} {
			c.DisableColor()
		}
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *printer) print(res *transactionResult) error {
	if p.json {
		return p.printJSON(res)
	}
	p.printText(res)
	return nil
}

func (p *printer) printText(res *transactionResult) {
	if len(res.pdus) == 0 {
		fmt.Fprintln(p.w, "No PDUs received")
	}
	for i, pdu := range res.pdus {
		line := fmt.Sprintf("#%d %d bytes %s", i+1, len(pdu), hex.EncodeToString(pdu))
		if text, ok := printable(pdu); ok {
			line += fmt.Sprintf(" %q", text)
		}
		fmt.Fprintln(p.w, line)
	}
	if res.stats.FramesDropped > 0 {
		fmt.Fprintln(p.w, p.dropped.Sprintf("%d frame(s) failed authentication and were dropped", res.stats.FramesDropped))
	}

	if !p.trace {
		return
	}
	fmt.Fprintln(p.w, "Frames:")
	for _, r := range res.trace {
		fmt.Fprintln(p.w, "  "+p.colorize(r, formatFrameRecord(r)))
	}
}

func (p *printer) colorize(r link.FrameRecord, line string) string {
	switch {
	case r.Dropped:
		return p.dropped.Sprint(line)
	case r.Direction == link.Outbound:
		return p.out.Sprint(line)
	default:
		return p.in.Sprint(line)
	}
}

// formatFrameRecord renders e.g. "OUT     #0   26 bytes".
func formatFrameRecord(r link.FrameRecord) string {
	counter := "-"
	if r.Encrypted {
		counter = fmt.Sprintf("#%d", r.Counter)
	}
	line := fmt.Sprintf("%-3s %6s %4d bytes", strings.ToUpper(string(r.Direction)), counter, r.Size)
	if r.Dropped {
		line += " DROPPED"
	}
	return line
}

func (p *printer) printJSON(res *transactionResult) error {
	doc := orderedmap.New[string, any]()

	pdus := make([]*orderedmap.OrderedMap[string, any], 0, len(res.pdus))
	for _, pdu := range res.pdus {
		entry := orderedmap.New[string, any]()
		entry.Set("len", len(pdu))
		entry.Set("hex", hex.EncodeToString(pdu))
		if text, ok := printable(pdu); ok {
			entry.Set("text", text)
		}
		pdus = append(pdus, entry)
	}
	doc.Set("pdus", pdus)

	stats := orderedmap.New[string, any]()
	stats.Set("encrypted", res.stats.Encrypted)
	stats.Set("frames_written", res.stats.FramesWritten)
	stats.Set("frames_read", res.stats.FramesRead)
	stats.Set("frames_dropped", res.stats.FramesDropped)
	stats.Set("retries", res.stats.Retries)
	if res.stats.Encrypted {
		stats.Set("outbound_counter", res.stats.OutboundCounter)
		stats.Set("inbound_counter", res.stats.InboundCounter)
	}
	doc.Set("stats", stats)

	if p.trace {
		frames := make([]*orderedmap.OrderedMap[string, any], 0, len(res.trace))
		for _, r := range res.trace {
			f := orderedmap.New[string, any]()
			f.Set("direction", string(r.Direction))
			f.Set("size", r.Size)
			f.Set("encrypted", r.Encrypted)
			if r.Encrypted {
				f.Set("counter", r.Counter)
			}
			f.Set("dropped", r.Dropped)
			frames = append(frames, f)
		}
		doc.Set("trace", frames)
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	_, err = fmt.Fprintln(p.w, string(out))
	return err
}

// printable returns data as text when every rune is printable.
func printable(data []byte) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	s := string(data)
	for _, r := range s {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			return "", false
		}
	}
	return s, true
}
