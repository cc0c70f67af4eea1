package gen

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/luma/kvwire/internal/meta"
)

var (
	manDir      string
	markdownDir string
)

var ManPagesCmd = &cobra.Command{
	Use:   "man",
	Short: "Generate man pages for kvwire",
	Long: `Generate up-to-date man pages for every kvwire command. By default
the files are written to the "man" directory under the current directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		header := &doc.GenManHeader{
			Section: "1",
			Manual:  "kvwire Manual",
			Source:  fmt.Sprintf("kvwire %s", meta.Version),
		}

		dir, err := ensureDir(cmd, manDir)
		if err != nil {
			return err
		}

		cmd.Root().DisableAutoGenTag = true

		cmd.Println("Generating kvwire man pages in", dir, "...")

		if err := doc.GenManTree(cmd.Root(), header, dir); err != nil {
			return err
		}

		cmd.Println("Done.")

		return nil
	},
}

var MarkdownCmd = &cobra.Command{
	Use:   "markdown",
	Short: "Generate markdown reference docs for kvwire",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := ensureDir(cmd, markdownDir)
		if err != nil {
			return err
		}

		cmd.Root().DisableAutoGenTag = true

		cmd.Println("Generating kvwire markdown docs in", dir, "...")

		return doc.GenMarkdownTree(cmd.Root(), dir)
	},
}

func init() {
	ManPagesCmd.Flags().StringVar(&manDir, "dir", "man/", "the directory to write the man pages.")
	MarkdownCmd.Flags().StringVar(&markdownDir, "dir", "docs/", "the directory to write the markdown files.")

	// For bash-completion
	for _, cmd := range []*cobra.Command{ManPagesCmd, MarkdownCmd} {
		if err := cmd.Flags().SetAnnotation("dir", cobra.BashCompSubdirsInDir, []string{}); err != nil {
			panic(err)
		}
	}
}
