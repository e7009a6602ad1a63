package cli

import (
	"bufio"
	"io"
	"os"
	"strings"
)

var promptInput io.Reader = os.Stdin

// confirm asks a yes/no question on stderr. Without a terminal on stdin it
// answers no; pass --yes for unattended use.
func confirm(out *OutputWriter, question string) bool {
	if f, ok := promptInput.(*os.File); ok {
		info, err := f.Stat()
		if err != nil || info.Mode()&os.ModeCharDevice == 0 {
			out.Log("%s (use --yes to confirm non-interactively)", question)
			return false
		}
	}

	out.Log("%s [y/N]: ", question)
	line, err := bufio.NewReader(promptInput).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
