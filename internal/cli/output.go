package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/rescale/safedrop/internal/upload"
)

// Output formats accepted by --output.
const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func validateOutput(format string) error {
	switch format {
	case outputText, outputJSON, outputYAML:
		return nil
	default:
		return fmt.Errorf("--output must be one of text, json, yaml (got %q)", format)
	}
}

// writeStructured renders v as JSON or YAML.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case outputJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported structured format %q", format)
	}
}

// printResult writes a batch result in the requested format.
func printResult(w io.Writer, format string, res *upload.Result) error {
	if format != outputText {
		return writeStructured(w, format, res)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tSIZE\tNAME\tERROR")
	var total uint64
	for _, e := range res.Files {
		if e.Status == upload.StatusSuccess {
			total += uint64(e.Size)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Status, humanize.IBytes(uint64(e.Size)), e.Name, e.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d uploaded (%s), %d skipped, %d failed in %s\n",
		len(res.Succeeded), humanize.IBytes(total), len(res.Skipped), len(res.Failed),
		res.Duration.Round(time.Millisecond))
	if res.Abandoned {
		fmt.Fprintln(w, "No conflict decision was made; existing files were left untouched.")
	}
	return nil
}

// checkReport is the output of 'check' and 'upload --dry-run'.
type checkReport struct {
	Backend  string   `json:"backend" yaml:"backend"`
	Existing []string `json:"existing" yaml:"existing"`
	New      []string `json:"new" yaml:"new"`
}

func printCheck(w io.Writer, format string, r checkReport) error {
	if format != outputText {
		return writeStructured(w, format, r)
	}
	fmt.Fprintf(w, "Backend: %s\n", r.Backend)
	if len(r.Existing) > 0 {
		fmt.Fprintf(w, "\nAlready exist (%d):\n  %s\n", len(r.Existing), strings.Join(r.Existing, "\n  "))
	}
	if len(r.New) > 0 {
		fmt.Fprintf(w, "\nNew (%d):\n  %s\n", len(r.New), strings.Join(r.New, "\n  "))
	}
	return nil
}
