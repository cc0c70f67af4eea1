package gen

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate kvwire documentation",
	Long:  `Generate man pages or markdown reference docs for the kvwire commands`,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd, MarkdownCmd)
}

// ensureDir creates dir when it is missing and returns it with a trailing
// separator.
func ensureDir(cmd *cobra.Command, dir string) (string, error) {
	if !strings.HasSuffix(dir, string(filepath.Separator)) {
		dir += string(filepath.Separator)
	}

	if _, err := os.Stat(dir); err != nil && os.IsNotExist(err) {
		cmd.Println("Directory", dir, "does not exist, creating...")
		if err := os.MkdirAll(dir, 0750); err != nil {
			return "", err
		}
	}

	return dir, nil
}
