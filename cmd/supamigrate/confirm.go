package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/ksred/supamigrate/internal/migration"
)

// newPromptConfirmer asks on out and reads a y/N answer from in. Anything but
// y or yes, including end of input, declines.
func newPromptConfirmer(in io.Reader, out io.Writer) migration.Confirmer {
	reader := bufio.NewReader(in)
	return migration.ConfirmFunc(func(table string, cause error) (bool, error) {
		fmt.Fprintf(out, "\nIdentity override failed for table %s: %v\n", table, cause)
		fmt.Fprintf(out, "Insert the remaining rows of %s with NEW ids? Rows in other tables that reference them may break. [y/N]: ", table)

		answer, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return false, fmt.Errorf("failed to read answer: %w", err)
		}

		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	})
}
