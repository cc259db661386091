// Package golden compares test output against checked-in golden files.
package golden

import (
	"bytes"
	"fmt"
	"os"
)

// Compare checks got against the golden file at path. With update set
// the golden file is rewritten with got instead.
func Compare(path string, update bool, got []byte) error {
	if update {
		return os.WriteFile(path, got, 0o640)
	}
	want, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("%s: output mismatch\ngot:\n%s\nwant:\n%s", path, got, want)
	}
	return nil
}
