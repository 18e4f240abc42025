package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dancode-188/pdfsync/server/internal/annotation"
	"github.com/Dancode-188/pdfsync/server/internal/pdfedit"
)

var renderCmd = &cobra.Command{
	Use:   "render [input.pdf]",
	Short: "Burn annotations into a PDF offline",
	Long: `Applies an annotation list (the same JSON carried by sync-annotations) and a
set of zero-based page deletions to a PDF file, without a server.`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

var (
	renderAnnotations string
	renderDelete      []int
	renderOutput      string
)

func init() {
	renderCmd.Flags().StringVarP(&renderAnnotations, "annotations", "a", "", "JSON file with the annotation list")
	renderCmd.Flags().IntSliceVarP(&renderDelete, "delete", "d", nil, "Zero-based page indices to delete")
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "Output file (defaults to <input>.annotated.pdf)")
	rootCmd.AddCommand(renderCmd)
}

func runRender(cmd *cobra.Command, args []string) error {
	input := args[0]
	src, err := os.ReadFile(input)
	if err != nil {
		return err
	}

	var anns []annotation.Annotation
	if renderAnnotations != "" {
		data, err := os.ReadFile(renderAnnotations)
		if err != nil {
			return err
		}
		if anns, err = annotation.DecodeList(data); err != nil {
			return fmt.Errorf("%s: %w", renderAnnotations, err)
		}
	}

	out, res, err := pdfedit.Mutate(src, anns, renderDelete)
	if err != nil {
		return err
	}

	output := renderOutput
	if output == "" {
		output = input + ".annotated.pdf"
	}
	if err := os.WriteFile(output, out, 0o644); err != nil {
		return err
	}

	cmd.Printf("Wrote %s (%d pages)\n", output, res.Pages)
	if len(res.Removed) > 0 {
		cmd.Printf("  removed pages: %v\n", res.Removed)
	}
	if res.Dropped > 0 {
		cmd.Printf("  dropped %d annotation(s) on deleted or missing pages\n", res.Dropped)
	}
	for _, s := range res.Skipped {
		cmd.Printf("  skipped %s: %s\n", s.ID, s.Reason)
	}
	return nil
}
